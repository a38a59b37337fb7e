package core

import "time"

// RateWindow captures per-caller sliding window state.
type RateWindow struct {
	Key         string `json:"key"`
	WindowStart int64  `json:"window_start"`
	Count       int    `json:"count"`
}

// Start returns the window start as a time.
func (w RateWindow) Start() time.Time {
	return time.UnixMilli(w.WindowStart).UTC()
}

// RateWindowUpdate computes the next window from the stored one (nil when absent).
// A nil result leaves the stored record untouched. Counter stores may invoke it
// more than once when a concurrent writer wins the race.
type RateWindowUpdate func(current *RateWindow) (*RateWindow, error)

// QuotaRecordUpdate is the QuotaRecord counterpart of RateWindowUpdate. The current
// record is a private copy the function may mutate and return.
type QuotaRecordUpdate func(current *QuotaRecord) (*QuotaRecord, error)
