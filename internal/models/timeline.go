package models

import "time"

// TimelinePoint represents a single compact point in the connectivity timeline.
type TimelinePoint struct {
	ClassName string           `json:"className"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Online    float64          `json:"online_ratio"`
	Details   []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries the transitions that happened inside a bucket.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
}
