package domain

import "time"

// TimeRange is a span of media timeline reported by the download engine.
type TimeRange struct {
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Progress returns the completed percentage for the loaded ranges against
// the range expected to load, clamped to [0, 100]. Overlapping ranges are
// summed as reported, so the clamp is what keeps the value in bounds.
func Progress(loaded []TimeRange, expected TimeRange) float64 {
	if expected.Duration <= 0 {
		return 0
	}

	var fraction float64
	for _, r := range loaded {
		if r.Duration <= 0 {
			continue
		}
		fraction += r.Duration.Seconds() / expected.Duration.Seconds()
	}

	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	return fraction * 100
}
