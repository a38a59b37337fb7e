package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/conversation"
	"github.com/atelierhq/atelier/internal/server/handlers"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "atelier.db")},
		Counters:  config.CountersConfig{Backend: config.CountersBackendSQL, MaxRetries: 8, SweepSchedule: "@every 1h"},
		RateLimit: config.RateLimitConfig{Limit: 20, Window: time.Minute, CacheTTL: 2 * time.Second},
		Quota: config.QuotaConfig{
			Window: 24 * time.Hour,
			Mode:   config.QuotaModeCheck,
			Limits: map[string]int{"render": 50, "quote": 2, "price_search": 20},
		},
		Chat:     config.ChatConfig{TurnTimeout: time.Minute, ToolTimeout: 30 * time.Second, MaxSteps: 4},
		Provider: config.ProviderConfig{ChatModel: "gpt-4o-mini", ImageModel: "gpt-image-1", Timeout: time.Minute},
		Media:    config.MediaConfig{Dir: filepath.Join(dir, "media"), BaseURL: "/media"},
	}
}

func TestNewDependencies(t *testing.T) {
	cfg := testConfig(t)
	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.Same(t, b.DB, b.Counters, "sql backend shares the store database")

	deps, err := newDependencies(cfg, b, nil)
	require.NoError(t, err)
	require.NotNil(t, deps.Chat)
	require.NotNil(t, deps.Media)

	assert.Equal(t, 20, deps.Chat.Limiter.Limit)
	assert.Equal(t, config.QuotaModeCheck, deps.Chat.Quotas.Mode)
	assert.Equal(t, cfg.Stream.PersistTimeoutOrDefault(), deps.Chat.Multiplexer.PersistTimeout)

	runner, ok := deps.Chat.Runner.(*conversation.Runner)
	require.True(t, ok)
	names := make([]string, 0, len(runner.Capabilities))
	for _, c := range runner.Capabilities {
		names = append(names, c.Tool().Name)
	}
	assert.ElementsMatch(t, []string{conversation.RenderName, conversation.QuoteName, conversation.PriceSearchName}, names)
	assert.DirExists(t, cfg.Media.Dir)
}

func TestNewSweeperUsesConfiguredWindows(t *testing.T) {
	cfg := testConfig(t)
	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	sweeper := newSweeper(cfg, b.Counters, nil)
	assert.Equal(t, time.Minute, sweeper.RateWindow)
	assert.Equal(t, 24*time.Hour, sweeper.QuotaWindow)

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.RateWindows)
}

func TestResolveCapability(t *testing.T) {
	cfg := testConfig(t)

	got, err := resolveCapability(cfg, " Render ")
	require.NoError(t, err)
	assert.Equal(t, "render", got)

	got, err = resolveCapability(cfg, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = resolveCapability(cfg, "teleport")
	require.Error(t, err)
}

func TestNewHealthGatesReadinessOnStore(t *testing.T) {
	cfg := testConfig(t)
	b, err := openBackends(context.Background(), cfg)
	require.NoError(t, err)

	identity := &appidentity.Identity{BinaryName: "atelier", EnvPrefix: "ATELIER_"}
	health := newHealth(cfg, b, identity)

	ready := health.Run(context.Background(), handlers.ProbeReady)
	assert.Equal(t, map[string]string{"store": handlers.CheckHealthy}, ready)

	require.NoError(t, b.Close())
	ready = health.Run(context.Background(), handlers.ProbeReady)
	assert.Equal(t, handlers.CheckUnhealthy, ready["store"])

	live := health.Run(context.Background(), handlers.ProbeLive)
	assert.Equal(t, map[string]string{"app_identity": handlers.CheckHealthy}, live)
}

func TestChangedSections(t *testing.T) {
	prev := testConfig(t)
	next := *prev
	assert.Empty(t, changedSections(prev, &next))

	next.RateLimit.Limit = 5
	next.Quota.Mode = config.QuotaModeReserve
	assert.Equal(t, []string{"rate_limit", "quota"}, changedSections(prev, &next))
}
