// Package stats derives average RTT, jitter and loss from a history snapshot.
package stats

import (
	"math"
	"strconv"
	"time"

	"github.com/NodePath81/netprobe/internal/history"
)

// Stats is recomputed from a snapshot on every measurement and never stored
// alongside the buffer. AvgRTT and Jitter are only meaningful when the
// matching Has flag is set.
type Stats struct {
	Samples     int
	Successes   int
	Failures    int
	AvgRTT      time.Duration
	HasRTT      bool
	Jitter      time.Duration
	HasJitter   bool
	LossPercent float64
}

// Compute is a pure function of snap.
//
// Jitter is the mean absolute difference between consecutive successful
// samples in recorded order. Failures between two successes are skipped, so
// [10ms, fail, 12ms] pairs 10ms with 12ms. With fewer than two successes
// there is no jitter.
func Compute(snap history.Snapshot) Stats {
	st := Stats{Samples: len(snap)}
	if len(snap) == 0 {
		return st
	}
	var sum float64
	var diffSum float64
	var prev float64
	for _, o := range snap {
		if !o.OK() {
			st.Failures++
			continue
		}
		v := float64(o.Latency)
		if st.Successes > 0 {
			diffSum += math.Abs(v - prev)
		}
		prev = v
		sum += v
		st.Successes++
	}
	st.LossPercent = 100 * float64(st.Failures) / float64(st.Samples)
	if st.Successes > 0 {
		st.HasRTT = true
		st.AvgRTT = time.Duration(math.Round(sum / float64(st.Successes)))
	}
	if st.Successes > 1 {
		st.HasJitter = true
		st.Jitter = time.Duration(math.Round(diffSum / float64(st.Successes-1)))
	}
	return st
}

// AvgRTTMs returns the average in milliseconds and whether there is data.
func (s Stats) AvgRTTMs() (float64, bool) {
	return toMs(s.AvgRTT), s.HasRTT
}

func (s Stats) JitterMs() (float64, bool) {
	return toMs(s.Jitter), s.HasJitter
}

// JitterPercent is jitter relative to the average RTT ("jitter grade").
func (s Stats) JitterPercent() (float64, bool) {
	if !s.HasJitter || !s.HasRTT || s.AvgRTT == 0 {
		return 0, false
	}
	return 100 * float64(s.Jitter) / float64(s.AvgRTT), true
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Round rounds half away from zero to precision decimals. It is only
// applied at the publish boundary.
func Round(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}

// Format renders v rounded to precision decimals, e.g. 11.26 at 1 is "11.3".
func Format(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	return strconv.FormatFloat(Round(v, precision), 'f', precision, 64)
}
