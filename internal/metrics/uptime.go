package metrics

import (
	"math"
	"time"

	"connwatch/internal/models"
)

// Uptime summarises connectivity over a window.
type Uptime struct {
	UptimePercent float64 `json:"uptime_percent"`
	Online        string  `json:"online"`
	Offline       string  `json:"offline"`
	Unknown       string  `json:"unknown"`
	Transitions   int     `json:"transitions"`
	LastState     string  `json:"last_state,omitempty"`
	LastUpdated   string  `json:"last_updated,omitempty"`
}

// ComputeUptime treats transitions as a step function and measures how long
// it was online inside [start, end). Time before the first known transition
// counts as unknown and is excluded from the percentage.
func ComputeUptime(entries []models.Transition, start, end time.Time) Uptime {
	var result Uptime
	if !end.After(start) {
		return result
	}

	var (
		online, offline time.Duration
		state           *bool
		cursor          = start
	)
	advance := func(to time.Time) {
		if to.After(end) {
			to = end
		}
		if !to.After(cursor) {
			return
		}
		if state != nil {
			if *state {
				online += to.Sub(cursor)
			} else {
				offline += to.Sub(cursor)
			}
		}
		cursor = to
	}

	for i := range entries {
		entry := entries[i]
		if !entry.At.Before(end) {
			break
		}
		advance(entry.At)
		connected := entry.Connected
		state = &connected
		if !entry.At.Before(start) {
			result.Transitions++
		}
		result.LastState = entry.State()
		result.LastUpdated = entry.At.UTC().Format(time.RFC3339)
	}
	advance(end)

	known := online + offline
	if known > 0 {
		result.UptimePercent = round2(float64(online) / float64(known) * 100)
	}
	result.Online = online.String()
	result.Offline = offline.String()
	result.Unknown = (end.Sub(start) - known).String()
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
