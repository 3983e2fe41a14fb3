package main

import (
	"math"
	"time"
)

type latencyStats struct {
	Count  int
	Mean   time.Duration
	Min    time.Duration
	Max    time.Duration
	StdDev time.Duration
}

func computeStats(latencies []time.Duration) (latencyStats, bool) {
	if len(latencies) == 0 {
		return latencyStats{}, false
	}
	s := latencyStats{Count: len(latencies), Min: latencies[0], Max: latencies[0]}
	var sum time.Duration
	for _, l := range latencies {
		sum += l
		if l < s.Min {
			s.Min = l
		}
		if l > s.Max {
			s.Max = l
		}
	}
	s.Mean = sum / time.Duration(len(latencies))

	var varianceSum float64
	for _, l := range latencies {
		varianceSum += math.Pow(float64(l-s.Mean), 2)
	}
	s.StdDev = time.Duration(math.Sqrt(varianceSum / float64(len(latencies))))
	return s, true
}

// Verdict resume se o link aguenta o acelerador sem atraso perceptível.
func (s latencyStats) Verdict() string {
	switch {
	case s.StdDev > 50*time.Millisecond:
		return "🚨 Jitter ALTO. Os comandos vão chegar em rajadas; aproxime o adaptador do trem."
	case s.Mean > 150*time.Millisecond:
		return "⚠️  Latência ALTA. O acelerador vai parecer lento."
	default:
		return "✅ Latência e jitter baixos."
	}
}
