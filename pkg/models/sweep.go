package models

import "time"

// SweepReport summarizes one maintenance run.
type SweepReport struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	CacheEntries int64         `json:"cache_entries"`
	Windows      int64         `json:"windows"`
	CacheError   string        `json:"cache_error,omitempty"`
	WindowError  string        `json:"window_error,omitempty"`
}

// Total is the number of rows reclaimed in the run.
func (r SweepReport) Total() int64 {
	return r.CacheEntries + r.Windows
}
