package history

import (
	"sort"
	"time"

	"connwatch/internal/models"
)

const (
	// DefaultTimelinePoints controls how many dots we generate per timeline.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

// BuildTimeline reduces connectivity transitions into compact timeline
// points. Each bucket is classed by the share of its known time that was
// online; time before the first transition is reported as missing.
func BuildTimeline(entries []models.Transition, start, end time.Time, points int) []models.TimelinePoint {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	samples := make([]models.Transition, 0, len(entries))
	for _, entry := range entries {
		if entry.At.IsZero() {
			continue
		}
		samples = append(samples, entry)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].At.Before(samples[j].At)
	})

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	var (
		state *bool
		idx   int
	)
	for idx < len(samples) && samples[idx].At.Before(start) {
		connected := samples[idx].Connected
		state = &connected
		idx++
	}

	result := make([]models.TimelinePoint, 0, points)
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}

		var (
			online, known time.Duration
			details       []models.TimelineDetail
			cursor        = bucketStart
		)
		advance := func(to time.Time) {
			if !to.After(cursor) {
				return
			}
			if state != nil {
				known += to.Sub(cursor)
				if *state {
					online += to.Sub(cursor)
				}
			}
			cursor = to
		}

		for idx < len(samples) && samples[idx].At.Before(bucketEnd) {
			current := samples[idx]
			advance(current.At)
			connected := current.Connected
			state = &connected
			if len(details) < maxDetailsPerPoint {
				details = append(details, models.TimelineDetail{
					Timestamp: current.At,
					State:     current.State(),
				})
			}
			idx++
		}
		advance(bucketEnd)

		point := models.TimelinePoint{
			Start:   bucketStart,
			End:     bucketEnd,
			Details: details,
		}
		if known > 0 {
			point.Online = float64(online) / float64(known)
		}
		point.ClassName, point.Label = classify(online, known)
		result = append(result, point)
	}
	return result
}

func classify(online, known time.Duration) (className, label string) {
	switch {
	case known == 0:
		return "state-missing", "No data"
	case online == known:
		return "state-success", "Operational"
	case online == 0:
		return "state-error", "Unavailable"
	default:
		return "state-warning", "Degraded"
	}
}
