package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NodePath81/netprobe/internal/history"
)

var errTimeout = errors.New("timeout")

func ok(msec float64) history.Outcome {
	return history.Success(time.Time{}, time.Duration(msec*float64(time.Millisecond)))
}

func fail() history.Outcome {
	return history.Failure(time.Time{}, errTimeout)
}

func TestComputeEmpty(t *testing.T) {
	st := Compute(nil)
	assert.Equal(t, 0.0, st.LossPercent)
	assert.False(t, st.HasRTT)
	assert.False(t, st.HasJitter)
	assert.Zero(t, st.Samples)
}

func TestComputeAllFailures(t *testing.T) {
	st := Compute(history.Snapshot{fail(), fail(), fail()})
	assert.Equal(t, 100.0, st.LossPercent)
	assert.False(t, st.HasRTT, "average must report no data")
	assert.False(t, st.HasJitter)
	_, has := st.AvgRTTMs()
	assert.False(t, has)
}

func TestComputeSingleSuccessHasNoJitter(t *testing.T) {
	st := Compute(history.Snapshot{ok(10)})
	assert.True(t, st.HasRTT)
	assert.Equal(t, 10*time.Millisecond, st.AvgRTT)
	assert.False(t, st.HasJitter)
	assert.Zero(t, st.Jitter)
}

func TestComputeMixed(t *testing.T) {
	st := Compute(history.Snapshot{ok(10), ok(12), fail()})
	avg, _ := st.AvgRTTMs()
	jit, hasJitter := st.JitterMs()
	assert.InDelta(t, 11.0, avg, 1e-9)
	assert.True(t, hasJitter)
	assert.InDelta(t, 2.0, jit, 1e-9)
	assert.InDelta(t, 33.333, st.LossPercent, 0.001)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 1, st.Failures)
}

func TestJitterSkipsFailureGaps(t *testing.T) {
	// 10 -> 14 -> 11 across failures: (4 + 3) / 2
	st := Compute(history.Snapshot{ok(10), fail(), ok(14), fail(), fail(), ok(11)})
	jit, has := st.JitterMs()
	assert.True(t, has)
	assert.InDelta(t, 3.5, jit, 1e-9)
	assert.InDelta(t, 50.0, st.LossPercent, 1e-9)
}

func TestJitterPercent(t *testing.T) {
	st := Compute(history.Snapshot{ok(10), ok(12)})
	pct, has := st.JitterPercent()
	assert.True(t, has)
	assert.InDelta(t, 100*2.0/11.0, pct, 1e-6)

	_, has = Compute(history.Snapshot{ok(10)}).JitterPercent()
	assert.False(t, has)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "11.3", Format(11.26, 1))
	assert.Equal(t, "11", Format(11.26, 0))
	assert.Equal(t, "11.26", Format(11.26, 2))
	assert.Equal(t, "33.3", Format(100.0/3.0, 1))
	assert.Equal(t, "0.0", Format(0, 1))
	assert.Equal(t, "3", Format(2.5, 0))
}

func TestRoundOnlyAtBoundary(t *testing.T) {
	// Internal values stay exact; rounding is a separate step.
	st := Compute(history.Snapshot{ok(11.26)})
	avg, _ := st.AvgRTTMs()
	assert.InDelta(t, 11.26, avg, 1e-9)
	assert.InDelta(t, 11.3, Round(avg, 1), 1e-9)
}
