package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/logging"

	"github.com/atelierhq/atelier/internal/ailink/driver/openai"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/conversation"
	"github.com/atelierhq/atelier/internal/core/engine"
	errwrap "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/media"
	"github.com/atelierhq/atelier/internal/observability"
	"github.com/atelierhq/atelier/internal/server"
	"github.com/atelierhq/atelier/internal/server/handlers"
	"github.com/atelierhq/atelier/internal/stream"
)

// newDependencies assembles the chat pipeline from configuration and opened backends.
func newDependencies(cfg *config.Config, b *backends, logger *logging.Logger) (server.Dependencies, error) {
	imageLimits := media.Limits{
		MaxBytes:  cfg.Media.MaxImageBytes,
		MaxPixels: cfg.Media.MaxImagePixels,
	}
	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.BaseURL, imageLimits)
	if err != nil {
		return server.Dependencies{}, err
	}

	provider := openai.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	provider.Timeout = cfg.Provider.Timeout

	limiter := &engine.RateLimiter{
		Store:  b.Counters,
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
		Cache:  engine.NewDenialCache(cfg.RateLimit.CacheTTL),
		Logger: logger,
	}
	quotas := &engine.QuotaManager{
		Store:  b.Counters,
		Limits: cfg.Quota.Limits,
		Window: cfg.Quota.Window,
		Mode:   cfg.Quota.Mode,
		Logger: logger,
	}

	runner := &conversation.Runner{
		Chat:         provider,
		Model:        cfg.Provider.ChatModel,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Capabilities: []conversation.Capability{
			&conversation.Render{
				Images: provider,
				Media:  mediaStore,
				Model:  cfg.Provider.ImageModel,
				Size:   cfg.Provider.ImageSize,
			},
			&conversation.Quote{Store: b.DB},
			&conversation.PriceSearch{Chat: provider, Model: cfg.Provider.ChatModel},
		},
		TurnTimeout: cfg.Chat.TurnTimeout,
		ToolTimeout: cfg.Chat.ToolTimeout,
		MaxSteps:    cfg.Chat.MaxSteps,
		Logger:      logger,
	}

	multiplexer := &stream.Multiplexer{
		Transcripts:    b.DB,
		PersistPartial: cfg.Stream.PersistPartial,
		PersistTimeout: cfg.Stream.PersistTimeoutOrDefault(),
		Logger:         logger,
	}

	return server.Dependencies{
		Chat: &handlers.ChatHandler{
			Limiter:            limiter,
			Quotas:             quotas,
			Runner:             runner,
			Multiplexer:        multiplexer,
			Transcripts:        b.DB,
			FailOpen:           cfg.RateLimit.FailOpen,
			MaxBodyBytes:       cfg.Chat.MaxBodyBytes,
			MaxImages:          cfg.Chat.MaxImages,
			ImageLimits:        imageLimits,
			WebsocketReadLimit: cfg.Stream.WebsocketReadLimit,
			Logger:             logger,
		},
		Media: &handlers.MediaHandler{Store: mediaStore},
	}, nil
}

// newSweeper builds the counter garbage collector for the configured windows.
func newSweeper(cfg *config.Config, counters engine.SweepStore, logger *logging.Logger) *engine.Sweeper {
	return &engine.Sweeper{
		Store:       counters,
		RateWindow:  cfg.RateLimit.Window,
		QuotaWindow: cfg.Quota.Window,
		Logger:      logger,
	}
}

// newHealth registers the service's health checks. Backing stores gate
// readiness only; liveness reflects the process itself.
func newHealth(cfg *config.Config, b *backends, identity *appidentity.Identity) *handlers.Health {
	health := handlers.NewHealth(versionInfo.Version)

	health.Register("app_identity", handlers.HealthCheckFunc(func(context.Context) error {
		switch {
		case identity == nil:
			return errwrap.NewConfigInvalidError("app identity not loaded")
		case identity.BinaryName == "":
			return errwrap.NewConfigInvalidError("app identity missing binary name")
		case identity.EnvPrefix == "":
			return errwrap.NewConfigInvalidError("app identity missing env prefix")
		}
		return nil
	}), handlers.ProbeLive, handlers.ProbeStartup)

	if cfg.Metrics.Enabled {
		health.Register("telemetry", handlers.HealthCheckFunc(func(context.Context) error {
			if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
				return errwrap.NewInternalError("telemetry system not initialized")
			}
			return nil
		}), handlers.ProbeStartup)
	}

	health.Register("store", handlers.HealthCheckFunc(b.DB.Ping), handlers.ProbeReady, handlers.ProbeStartup)
	if cfg.Counters.Backend == config.CountersBackendRedis {
		health.Register("counters", handlers.HealthCheckFunc(b.Counters.Ping), handlers.ProbeReady)
	}
	return health
}
