package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/core"
)

func TestSweeper_RemovesOnlyExpiredWindows(t *testing.T) {
	counters := openSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(key string, start time.Time) {
		require.NoError(t, counters.UpdateRateWindow(ctx, key, func(*core.RateWindow) (*core.RateWindow, error) {
			return &core.RateWindow{WindowStart: start.UnixMilli(), Count: 5}, nil
		}))
	}
	seed("stale", now.Add(-5*time.Minute))
	seed("live", now.Add(-30*time.Second))

	sweeper := &Sweeper{Store: counters, RateWindow: time.Minute, QuotaWindow: 24 * time.Hour}
	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RateWindows)
	assert.Zero(t, result.QuotaRecords)

	live, err := counters.GetRateWindow(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestSweeper_PropagatesStoreErrors(t *testing.T) {
	sweeper := &Sweeper{Store: newMemoryCounterStore(), Clock: newFakeClock().Now}
	_, err := sweeper.Sweep(context.Background())
	require.Error(t, err)

	_, err = (&Sweeper{}).Sweep(context.Background())
	require.Error(t, err)
}

func TestSweeper_Schedule(t *testing.T) {
	sweeper := &Sweeper{Store: openSQLStore(t)}

	c, err := sweeper.Schedule("@every 1h")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
	c.Stop()

	c, err = sweeper.Schedule("*/5 * * * *")
	require.NoError(t, err)
	c.Stop()

	_, err = sweeper.Schedule("not a schedule")
	require.Error(t, err)
	_, err = sweeper.Schedule(" ")
	require.Error(t, err)
}
