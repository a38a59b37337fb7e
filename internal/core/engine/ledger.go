package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/metrics"
)

// ErrLedgerSettled is returned when a capability is acquired after the turn settled.
var ErrLedgerSettled = errors.New("quota ledger already settled")

// Ticket is one admitted capability call within a turn.
type Ticket struct {
	Capability string

	reservation *Reservation
	succeeded   bool
	failed      bool
	metadata    map[string]any
}

// Ledger tracks the capability calls of one turn and settles them exactly once.
// Check mode increments only successful calls at settlement; reserve mode
// consumes up front and commits or releases at settlement.
type Ledger struct {
	quotas *QuotaManager
	key    string
	logger *logging.Logger

	// acquire serializes check-mode admission so held tickets are counted.
	acquire sync.Mutex

	mu      sync.Mutex
	tickets []*Ticket
	settled bool
}

// NewLedger starts a ledger for caller key.
func (q *QuotaManager) NewLedger(key string, logger *logging.Logger) *Ledger {
	return &Ledger{quotas: q, key: key, logger: logger}
}

// Key returns the caller key the ledger meters.
func (l *Ledger) Key() string {
	return l.key
}

// Acquire asks the quota manager for one call of capability.
// The ticket is nil when the call is denied. In check mode the turn's own
// unsettled tickets count against the limit alongside the stored usage.
func (l *Ledger) Acquire(ctx context.Context, capability string) (*Ticket, QuotaDecision, error) {
	if l.isSettled() {
		return nil, QuotaDecision{}, ErrLedgerSettled
	}

	ticket := &Ticket{Capability: capability}
	if l.quotas.ReserveMode() {
		res, decision, err := l.quotas.Reserve(ctx, l.key, capability)
		if err != nil || res == nil {
			return nil, decision, err
		}
		ticket.reservation = res
		if err := l.track(ctx, ticket); err != nil {
			return nil, decision, err
		}
		return ticket, decision, nil
	}

	l.acquire.Lock()
	defer l.acquire.Unlock()

	decision, err := l.quotas.Check(ctx, l.key, capability)
	if err != nil {
		return nil, decision, err
	}
	if held := l.held(capability); held > 0 {
		decision = quotaDecision(decision.CurrentCount+held, decision.Limit, decision.ResetAt.UnixMilli())
	}
	if !decision.Allowed {
		return nil, decision, nil
	}
	if err := l.track(ctx, ticket); err != nil {
		return nil, decision, err
	}
	return ticket, decision, nil
}

// Succeed marks a ticket's call as delivered; only succeeded calls are charged.
func (l *Ledger) Succeed(t *Ticket, metadata map[string]any) {
	if t == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t.succeeded = true
	t.failed = false
	t.metadata = metadata
}

// Fail marks a ticket's call as failed so it no longer holds quota within the turn.
func (l *Ledger) Fail(t *Ticket) {
	if t == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.succeeded {
		t.failed = true
	}
}

// Settle charges succeeded calls and releases the rest. Later calls are no-ops.
// Failures are logged for reconciliation and never retract delivered results.
func (l *Ledger) Settle(ctx context.Context) error {
	l.mu.Lock()
	if l.settled {
		l.mu.Unlock()
		return nil
	}
	l.settled = true
	tickets := l.tickets
	l.tickets = nil
	l.mu.Unlock()

	var errs []error
	for _, t := range tickets {
		outcome, err := l.settleTicket(ctx, t)
		metrics.RecordQuotaSettlement(t.Capability, outcome)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if l.logger != nil {
			l.logger.Error("Quota settlement failed",
				zap.String("caller_key", l.key),
				zap.String("capability", t.Capability),
				zap.String("outcome", outcome),
				zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) settleTicket(ctx context.Context, t *Ticket) (string, error) {
	switch {
	case t.reservation != nil && t.succeeded:
		return "committed", l.quotas.Commit(ctx, t.reservation, t.metadata)
	case t.reservation != nil:
		return "released", l.quotas.Release(ctx, t.reservation)
	case t.succeeded:
		return "incremented", l.quotas.Increment(ctx, l.key, t.Capability, t.metadata)
	default:
		return "skipped", nil
	}
}

// track records t, handing back a reservation that lost the race with Settle.
func (l *Ledger) track(ctx context.Context, t *Ticket) error {
	l.mu.Lock()
	if !l.settled {
		l.tickets = append(l.tickets, t)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if t.reservation != nil {
		if err := l.quotas.Release(ctx, t.reservation); err != nil {
			return errors.Join(ErrLedgerSettled, err)
		}
	}
	return ErrLedgerSettled
}

// held counts check-mode tickets for capability that may still be charged.
func (l *Ledger) held(capability string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.tickets {
		if t.Capability == capability && t.reservation == nil && !t.failed {
			n++
		}
	}
	return n
}

func (l *Ledger) isSettled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled
}

// Pending reports tickets not yet settled.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tickets)
}
