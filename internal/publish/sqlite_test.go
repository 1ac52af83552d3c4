package publish

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/probe"
)

func openSQLite(t *testing.T, retention time.Duration) *SQLite {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "netprobe.db"), Retention: retention})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLite(SQLiteConfig{})
	require.Error(t, err)
}

func TestSQLiteAnnounceUpserts(t *testing.T) {
	s := openSQLite(t, 0)
	ctx := context.Background()
	desc := gatewayDesc()
	require.NoError(t, s.Announce(ctx, []probe.Descriptor{desc}))
	desc.Target = "192.0.2.254"
	require.NoError(t, s.Announce(ctx, []probe.Descriptor{desc}))

	var count int
	var raw string
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*), MAX(descriptor) FROM probes`).Scan(&count, &raw))
	assert.Equal(t, 1, count)
	assert.Contains(t, raw, "192.0.2.254")
}

func TestSQLitePublishAndRecent(t *testing.T) {
	s := openSQLite(t, 0)
	ctx := context.Background()
	now := time.Now()
	for i := 1; i <= 3; i++ {
		snap := snapshotWith(100, history.Success(now, ms(float64(i))))
		snap.Seq = uint64(i)
		snap.RunID = "run"
		snap.UpdatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Publish(ctx, snap))
	}

	recs, err := s.Recent(ctx, gatewayDesc().Identity, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Seq)
	assert.Equal(t, uint64(2), recs[1].Seq)
	require.NotNil(t, recs[0].RTTMs)
	assert.Equal(t, 3.0, *recs[0].RTTMs)

	other, err := s.Recent(ctx, probe.Identity{Kind: probe.KindDNS, Name: "Gateway"}, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLitePrune(t *testing.T) {
	s := openSQLite(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	old := snapshotWith(100, history.Success(base, ms(1)))
	old.Seq = 1
	old.UpdatedAt = base.Add(-2 * time.Hour)
	fresh := snapshotWith(100, history.Success(base, ms(1)))
	fresh.Seq = 2
	fresh.UpdatedAt = base.Add(-time.Minute)

	// The first publish prunes before the stale row exists.
	require.NoError(t, s.Publish(ctx, fresh))
	require.NoError(t, s.Publish(ctx, old))

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.Recent(ctx, old.Identity, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].Seq)
}

func TestSQLitePruneDisabled(t *testing.T) {
	s := openSQLite(t, 0)
	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
