package probe

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netprobe/internal/stats"
	"github.com/NodePath81/netprobe/internal/transport"
)

type step struct {
	rtt time.Duration
	err error
}

// scriptedTransport replays steps in order, repeating the last one.
type scriptedTransport struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	block  chan struct{}
	closed bool
}

func (s *scriptedTransport) Measure(ctx context.Context, timeout time.Duration) (transport.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	if st.err != nil {
		return transport.Result{}, st.err
	}
	return transport.Result{RTT: st.rtt, BytesSent: 64, BytesReceived: 64}, nil
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

func ms(n float64) time.Duration { return time.Duration(n * float64(time.Millisecond)) }

func timeoutErr() error {
	return &transport.Error{Reason: transport.ReasonTimeout, Err: context.DeadlineExceeded, BytesSent: 64}
}

func newTestLeaf(t *testing.T, historyLen int, tr transport.Transport) *LeafProbe {
	t.Helper()
	p, err := NewLeaf(LeafConfig{
		Name:       "gw",
		Kind:       KindICMP,
		Target:     "192.0.2.1",
		Interval:   time.Second,
		Timeout:    time.Second,
		HistoryLen: historyLen,
		Precision:  1,
	}, tr)
	require.NoError(t, err)
	return p
}

func TestLeafScenario(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{rtt: ms(10)}, {rtt: ms(12)}, {err: timeoutErr()}}}
	p := newTestLeaf(t, 3, tr)
	assert.False(t, p.State().Known)

	var snap Snapshot
	for i := 0; i < 3; i++ {
		var err error
		snap, err = p.Tick(context.Background())
		require.NoError(t, err)
	}

	assert.True(t, snap.Known)
	assert.False(t, snap.Up)
	avg, ok := snap.Stats.AvgRTTMs()
	require.True(t, ok)
	assert.Equal(t, "11.0", stats.Format(avg, 1))
	jitter, ok := snap.Stats.JitterMs()
	require.True(t, ok)
	assert.InDelta(t, 2.0, jitter, 1e-9)
	assert.Equal(t, "33.3", stats.Format(snap.Stats.LossPercent, 1))
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, uint64(1), snap.Lost)
	assert.Equal(t, uint64(3*64), snap.BytesSent)
	assert.Equal(t, uint64(2*64), snap.BytesReceived)
	assert.Equal(t, 100.0, snap.FillPercent)
	assert.Equal(t, transport.ReasonTimeout, transport.ReasonOf(snap.Last.Err))
	assert.Contains(t, snap.LastError(), "timeout")

	// One more success evicts the oldest entry.
	tr.steps = append(tr.steps, step{rtt: ms(14)})
	snap, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Up)
	assert.Len(t, p.History(), 3)
}

func TestLeafRejectsOverlappingTick(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{rtt: ms(5)}}, block: make(chan struct{})}
	p := newTestLeaf(t, 10, tr)

	done := make(chan error, 1)
	go func() {
		_, err := p.Tick(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return p.phase.Load() == phaseMeasuring }, time.Second, time.Millisecond)

	_, err := p.Tick(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(tr.block)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), p.State().Total)
}

func TestLeafFatalErrorLeavesStateUntouched(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{err: transport.Fatal(os.ErrPermission)}}}
	p := newTestLeaf(t, 10, tr)

	_, err := p.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsFatal(err))
	assert.False(t, p.State().Known)

	snap := p.MarkFailed(err)
	assert.True(t, snap.Failed)
	assert.False(t, snap.Up)
	assert.Contains(t, snap.FailReason, "permission")

	_, err = p.Tick(context.Background())
	assert.ErrorIs(t, err, ErrFailed)
}

func TestLeafConfigValidation(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{rtt: ms(1)}}}
	base := LeafConfig{Name: "x", Kind: KindDNS, Target: "192.0.2.53", Interval: time.Second, Timeout: time.Second, HistoryLen: 1}

	_, err := NewLeaf(base, tr)
	require.NoError(t, err)

	bad := base
	bad.HistoryLen = 0
	_, err = NewLeaf(bad, tr)
	assert.Error(t, err)

	bad = base
	bad.Kind = KindCompound
	_, err = NewLeaf(bad, tr)
	assert.Error(t, err)

	bad = base
	bad.Interval = 0
	_, err = NewLeaf(bad, tr)
	assert.Error(t, err)

	_, err = NewLeaf(base, nil)
	assert.Error(t, err)
}

func TestLeafDescriptorAndClose(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{rtt: ms(1)}}}
	attrs := map[string]string{"asn": "13335"}
	p, err := NewLeaf(LeafConfig{Name: "cf", Kind: KindDNS, Target: "1.1.1.1", Interval: 2 * time.Second, Timeout: time.Second, HistoryLen: 5, Precision: 2, Attributes: attrs}, tr)
	require.NoError(t, err)
	attrs["asn"] = "changed"

	d := p.Descriptor()
	assert.Equal(t, Identity{Kind: KindDNS, Name: "cf"}, d.Identity)
	assert.Equal(t, "dns/cf", d.Identity.String())
	assert.Equal(t, "1.1.1.1", d.Target)
	assert.Equal(t, 5, d.HistoryLen)
	assert.Equal(t, "13335", d.Attributes["asn"])

	require.NoError(t, p.Close())
	assert.True(t, tr.closed)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("icmp")
	require.NoError(t, err)
	assert.Equal(t, KindICMP, k)
	_, err = ParseKind("tcp")
	assert.Error(t, err)
}

func TestTransportErrorsAllCountAsLoss(t *testing.T) {
	tr := &scriptedTransport{steps: []step{
		{err: &transport.Error{Reason: transport.ReasonUnreachable, Err: errors.New("no route")}},
		{err: &transport.Error{Reason: transport.ReasonProtocol, Err: errors.New("bad id")}},
		{err: timeoutErr()},
	}}
	p := newTestLeaf(t, 3, tr)
	for i := 0; i < 3; i++ {
		_, err := p.Tick(context.Background())
		require.NoError(t, err)
	}
	st := p.State()
	assert.Equal(t, 100.0, st.Stats.LossPercent)
	assert.False(t, st.Stats.HasRTT)
}
