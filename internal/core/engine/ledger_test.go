package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CheckModeChargesOnlySuccesses(t *testing.T) {
	counters := newMemoryCounterStore()
	quotas := newQuotaManager(counters, newFakeClock(), QuotaModeCheck)
	ledger := quotas.NewLedger("1.2.3.4", nil)
	ctx := context.Background()

	ok, decision, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	require.NotNil(t, ok)
	assert.True(t, decision.Allowed)

	failed, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	require.NotNil(t, failed)

	ledger.Succeed(ok, map[string]any{"imageUrl": "/media/x.png"})
	assert.Equal(t, 2, ledger.Pending())
	assert.Nil(t, counters.usage("1.2.3.4", "render"), "nothing is charged before settlement")

	require.NoError(t, ledger.Settle(ctx))
	usage := counters.usage("1.2.3.4", "render")
	require.NotNil(t, usage)
	assert.Equal(t, 1, usage.Count)

	// Settling twice is a no-op.
	require.NoError(t, ledger.Settle(ctx))
	assert.Equal(t, 1, counters.usage("1.2.3.4", "render").Count)

	_, _, err = ledger.Acquire(ctx, "render")
	assert.True(t, errors.Is(err, ErrLedgerSettled))
}

func TestLedger_DeniedAcquireHasNoTicket(t *testing.T) {
	counters := newMemoryCounterStore()
	quotas := newQuotaManager(counters, newFakeClock(), QuotaModeCheck)
	ctx := context.Background()
	require.NoError(t, quotas.Increment(ctx, "k", "quote", nil))
	require.NoError(t, quotas.Increment(ctx, "k", "quote", nil))

	ledger := quotas.NewLedger("k", nil)
	ticket, decision, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.False(t, decision.Allowed)
	assert.Zero(t, ledger.Pending())
}

func TestLedger_ReserveModeReleasesFailures(t *testing.T) {
	counters := newMemoryCounterStore()
	quotas := newQuotaManager(counters, newFakeClock(), QuotaModeReserve)
	ledger := quotas.NewLedger("k", nil)
	ctx := context.Background()

	first, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	second, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)

	// Both units are held while the turn runs.
	third, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	assert.Nil(t, third)

	ledger.Succeed(first, nil)
	require.NoError(t, ledger.Settle(ctx))

	usage := counters.usage("k", "quote")
	assert.Equal(t, 1, usage.Count)
	assert.Len(t, usage.CallLog, 1)
}

func TestLedger_SettleReportsStoreFailure(t *testing.T) {
	counters := newMemoryCounterStore()
	quotas := newQuotaManager(counters, newFakeClock(), QuotaModeCheck)
	ledger := quotas.NewLedger("k", nil)
	ctx := context.Background()

	ticket, _, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	ledger.Succeed(ticket, nil)

	counters.failing = errors.New("store down")
	err = ledger.Settle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCounterStore))
}

func TestLedger_CheckModeCountsTurnTickets(t *testing.T) {
	counters := newMemoryCounterStore()
	quotas := newQuotaManager(counters, newFakeClock(), QuotaModeCheck)
	ledger := quotas.NewLedger("1.2.3.4", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ticket, decision, err := ledger.Acquire(ctx, "render")
		require.NoError(t, err)
		require.NotNil(t, ticket)
		assert.Equal(t, i, decision.CurrentCount)
		assert.Equal(t, 2-i, decision.Remaining)
		ledger.Succeed(ticket, nil)
	}

	third, decision, err := ledger.Acquire(ctx, "render")
	require.NoError(t, err)
	assert.Nil(t, third)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 2, decision.CurrentCount)
	assert.Zero(t, decision.Remaining)

	// Other capabilities keep their own budget.
	quote, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	assert.NotNil(t, quote)

	require.NoError(t, ledger.Settle(ctx))
	assert.Equal(t, 2, counters.usage("1.2.3.4", "render").Count)
}

func TestLedger_FailedTicketFreesTurnBudget(t *testing.T) {
	quotas := newQuotaManager(newMemoryCounterStore(), newFakeClock(), QuotaModeCheck)
	ledger := quotas.NewLedger("k", nil)
	ctx := context.Background()

	first, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	second, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)

	denied, _, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	assert.Nil(t, denied)

	ledger.Fail(second)
	retry, decision, err := ledger.Acquire(ctx, "quote")
	require.NoError(t, err)
	assert.NotNil(t, retry)
	assert.Equal(t, 1, decision.CurrentCount)
}

func TestLedger_ConcurrentAcquireWithinTurn(t *testing.T) {
	quotas := newQuotaManager(newMemoryCounterStore(), newFakeClock(), QuotaModeCheck)
	ledger := quotas.NewLedger("k", nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, _, err := ledger.Acquire(ctx, "render")
			assert.NoError(t, err)
			if ticket != nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
}
