package publish

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/probe"
)

type countingSink struct {
	mu        sync.Mutex
	announced int
	published []uint64
	closed    bool
	err       error
}

func (s *countingSink) Announce(context.Context, []probe.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced++
	return s.err
}

func (s *countingSink) Publish(_ context.Context, snap probe.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, snap.Seq)
	return s.err
}

func (s *countingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := NewMulti(a, nil, b)
	require.Equal(t, 2, m.Len())
	m.Add(nil)
	require.Equal(t, 2, m.Len())

	ctx := context.Background()
	require.NoError(t, m.Announce(ctx, []probe.Descriptor{gatewayDesc()}))
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, m.Publish(ctx, probe.Snapshot{Seq: seq}))
	}
	require.NoError(t, m.Close())

	for _, s := range []*countingSink{a, b} {
		assert.Equal(t, 1, s.announced)
		assert.Equal(t, []uint64{1, 2, 3}, s.published)
		assert.True(t, s.closed)
	}
}

func TestMultiKeepsGoingAfterError(t *testing.T) {
	boom := errors.New("boom")
	bad, good := &countingSink{err: boom}, &countingSink{}
	m := NewMulti(bad, good)
	ctx := context.Background()

	require.ErrorIs(t, m.Announce(ctx, nil), boom)
	assert.Equal(t, 1, good.announced)

	require.ErrorIs(t, m.Publish(ctx, probe.Snapshot{Seq: 7}), boom)
	assert.Equal(t, []uint64{7}, good.published)

	require.ErrorIs(t, m.Close(), boom)
	assert.True(t, good.closed)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Announce(context.Background(), nil))
	assert.NoError(t, p.Publish(context.Background(), probe.Snapshot{}))
	assert.NoError(t, p.Close())
}

func TestNewRecord(t *testing.T) {
	now := time.Now()
	snap := snapshotWith(100,
		history.Success(now, ms(10.04)),
		history.Failure(now, errors.New("timeout")),
	)
	snap.RunID = "run"
	snap.Seq = 4
	snap.UpdatedAt = now

	rec := NewRecord(snap)
	assert.Equal(t, "icmp/Gateway", rec.Probe)
	assert.Equal(t, "icmp", rec.Kind)
	assert.Equal(t, "run", rec.RunID)
	assert.Equal(t, uint64(4), rec.Seq)
	assert.Equal(t, "timeout", rec.Error)
	assert.Nil(t, rec.RTTMs)
	assert.Nil(t, rec.JitterMs)
	assert.Nil(t, rec.JitterPercent)
	require.NotNil(t, rec.AvgRTTMs)
	assert.Equal(t, 10.0, *rec.AvgRTTMs)
	require.NotNil(t, rec.LossPercent)
	assert.Equal(t, 50.0, *rec.LossPercent)

	ok := NewRecord(snapshotWith(100, history.Success(now, ms(3.26))))
	require.NotNil(t, ok.RTTMs)
	assert.Equal(t, 3.3, *ok.RTTMs)
	assert.Empty(t, ok.Error)

	empty := NewRecord(probe.Snapshot{})
	assert.Nil(t, empty.LossPercent)
	assert.Nil(t, empty.AvgRTTMs)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := NewLog(logger, slog.LevelInfo)

	require.NoError(t, l.Announce(context.Background(), []probe.Descriptor{gatewayDesc()}))
	assert.Contains(t, buf.String(), "probe registered")
	assert.Contains(t, buf.String(), "probe=icmp/Gateway")

	buf.Reset()
	snap := snapshotWith(100,
		history.Success(time.Now(), ms(10)),
		history.Failure(time.Now(), errors.New("timeout")),
	)
	require.NoError(t, l.Publish(context.Background(), snap))
	out := buf.String()
	assert.Contains(t, out, "probe snapshot")
	assert.Contains(t, out, "avg_rtt_ms=10.0")
	assert.Contains(t, out, "loss_percent=50.0")
	assert.Contains(t, out, "error=timeout")
	assert.NotContains(t, out, "jitter_ms")

	quiet := NewLog(logger, slog.LevelDebug-1)
	buf.Reset()
	require.NoError(t, quiet.Publish(context.Background(), snap))
	assert.Empty(t, buf.String())
	assert.NoError(t, l.Close())
}
