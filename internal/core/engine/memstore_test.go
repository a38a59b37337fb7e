package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/core"
)

// memoryCounterStore serializes updates with a mutex; good enough to drive the engine in tests.
type memoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]core.RateWindow
	records map[string]*core.QuotaRecord
	writes  int
	failing error
}

func newMemoryCounterStore() *memoryCounterStore {
	return &memoryCounterStore{
		windows: make(map[string]core.RateWindow),
		records: make(map[string]*core.QuotaRecord),
	}
}

func (m *memoryCounterStore) UpdateRateWindow(_ context.Context, key string, fn core.RateWindowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	var current *core.RateWindow
	if w, ok := m.windows[key]; ok {
		current = &w
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	m.windows[key] = *next
	m.writes++
	return nil
}

func (m *memoryCounterStore) UpdateQuotaRecord(_ context.Context, key string, fn core.QuotaRecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	next, err := fn(m.records[key].Clone())
	if err != nil || next == nil {
		return err
	}
	m.records[key] = next.Clone()
	m.writes++
	return nil
}

func (m *memoryCounterStore) SweepRateWindows(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, w := range m.windows {
		if w.WindowStart < cutoff.UnixMilli() {
			delete(m.windows, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryCounterStore) SweepQuotaRecords(context.Context, time.Time) (int64, error) {
	return 0, errors.New("not supported")
}

func (m *memoryCounterStore) window(key string) (core.RateWindow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	return w, ok
}

func (m *memoryCounterStore) usage(key, capability string) *core.CapabilityUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key].Clone().Usage(capability)
}

func (m *memoryCounterStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// fakeClock is a settable clock shared by the engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
