package domain

import "time"

// SubscriptionStats holds counters for one subscription within a sweep.
type SubscriptionStats struct {
	SubscriptionID int64
	Fetched        int
	Promoted       int
	Candidates     int
	Enriched       int
	Filtered       int
	Delivered      int
	Errors         int
	CursorAdvanced bool
}

// SweepStats aggregates a full pass over all subscriptions.
type SweepStats struct {
	Subscriptions int
	Failed        int
	Candidates    int
	Delivered     int
	Errors        int
	StartedAt     time.Time
	Duration      time.Duration
	Interrupted   bool
}

func (s *SweepStats) Add(sub *SubscriptionStats) {
	s.Candidates += sub.Candidates
	s.Delivered += sub.Delivered
	s.Errors += sub.Errors
}
