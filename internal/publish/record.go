package publish

import (
	"time"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/stats"
)

// Record is the flat, rounded form of a snapshot used by the Redis and
// SQLite sinks. Missing values are nil.
type Record struct {
	RunID         string    `json:"run_id"`
	Seq           uint64    `json:"seq"`
	Probe         string    `json:"probe"`
	Kind          string    `json:"kind"`
	Name          string    `json:"name"`
	Time          time.Time `json:"time"`
	Known         bool      `json:"known"`
	Up            bool      `json:"up"`
	Failed        bool      `json:"failed"`
	FailReason    string    `json:"fail_reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	RTTMs         *float64  `json:"rtt_ms"`
	AvgRTTMs      *float64  `json:"avg_rtt_ms"`
	JitterMs      *float64  `json:"jitter_ms"`
	JitterPercent *float64  `json:"jitter_percent"`
	LossPercent   *float64  `json:"loss_percent"`
	Samples       int       `json:"samples"`
	FillPercent   float64   `json:"fill_percent"`
	Total         uint64    `json:"total"`
	Lost          uint64    `json:"lost"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

func NewRecord(snap probe.Snapshot) Record {
	p := snap.Precision
	round := func(v float64, ok bool) *float64 {
		if !ok {
			return nil
		}
		r := stats.Round(v, p)
		return &r
	}
	rec := Record{
		RunID:         snap.RunID,
		Seq:           snap.Seq,
		Probe:         snap.Identity.String(),
		Kind:          string(snap.Identity.Kind),
		Name:          snap.Identity.Name,
		Time:          snap.UpdatedAt,
		Known:         snap.Known,
		Up:            snap.Up,
		Failed:        snap.Failed,
		FailReason:    snap.FailReason,
		Error:         snap.LastError(),
		Samples:       snap.Stats.Samples,
		FillPercent:   stats.Round(snap.FillPercent, 1),
		Total:         snap.Total,
		Lost:          snap.Lost,
		BytesSent:     snap.BytesSent,
		BytesReceived: snap.BytesReceived,
	}
	if snap.Known && snap.Last.OK() && snap.Identity.Kind != probe.KindCompound {
		rec.RTTMs = round(snap.Last.Latency.Seconds()*1000, true)
	}
	rec.AvgRTTMs = round(snap.Stats.AvgRTTMs())
	rec.JitterMs = round(snap.Stats.JitterMs())
	rec.JitterPercent = round(snap.Stats.JitterPercent())
	rec.LossPercent = round(snap.Stats.LossPercent, snap.Stats.Samples > 0)
	return rec
}
