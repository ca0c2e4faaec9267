package agent

import "time"

// Statistics is derived from an agent's transition log.
type Statistics struct {
	TimeInStatus       map[Status]time.Duration
	TransitionsByTrigger map[Trigger]int
	Lifetime           time.Duration
	AverageTimePerState time.Duration
}

// ComputeStatistics derives Statistics from transitions (oldest first) using
// last-transition-wins interval math, with now as the right endpoint of the
// still-open final interval.
func ComputeStatistics(transitions []Transition, now time.Time) Statistics {
	stats := Statistics{
		TimeInStatus:         make(map[Status]time.Duration),
		TransitionsByTrigger: make(map[Trigger]int),
	}
	if len(transitions) == 0 {
		return stats
	}

	for i, t := range transitions {
		stats.TransitionsByTrigger[t.Trigger]++

		var end time.Time
		if i+1 < len(transitions) {
			end = transitions[i+1].Timestamp
		} else {
			end = now
		}
		stats.TimeInStatus[t.ToStatus] += end.Sub(t.Timestamp)
	}

	stats.Lifetime = now.Sub(transitions[0].Timestamp)

	if len(stats.TimeInStatus) > 0 {
		var total time.Duration
		for _, d := range stats.TimeInStatus {
			total += d
		}
		stats.AverageTimePerState = total / time.Duration(len(stats.TimeInStatus))
	}

	return stats
}
