package publish

import (
	"context"
	"log/slog"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/stats"
	"github.com/NodePath81/netprobe/internal/util"
)

// Log writes one structured line per snapshot.
type Log struct {
	logger util.Logger
	level  slog.Level
}

func NewLog(logger util.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = util.NewLogger()
	}
	return &Log{logger: logger, level: level}
}

func (l *Log) Announce(ctx context.Context, descriptors []probe.Descriptor) error {
	for _, d := range descriptors {
		l.logger.Log(ctx, l.level, "probe registered",
			"probe", d.Identity.String(),
			"target", d.Target,
			"interval", d.Interval,
			"history_len", d.HistoryLen,
		)
	}
	return nil
}

func (l *Log) Publish(ctx context.Context, snap probe.Snapshot) error {
	if !l.logger.Enabled(ctx, l.level) {
		return nil
	}
	attrs := []any{"probe", snap.Identity.String(), "up", snap.Up, "seq", snap.Seq}
	if snap.Failed {
		attrs = append(attrs, "failed", true, "reason", snap.FailReason)
	}
	if avg, ok := snap.Stats.AvgRTTMs(); ok {
		attrs = append(attrs, "avg_rtt_ms", stats.Format(avg, snap.Precision))
	}
	if jitter, ok := snap.Stats.JitterMs(); ok {
		attrs = append(attrs, "jitter_ms", stats.Format(jitter, snap.Precision))
	}
	attrs = append(attrs, "loss_percent", stats.Format(snap.Stats.LossPercent, snap.Precision))
	if reason := snap.LastError(); reason != "" {
		attrs = append(attrs, "error", reason)
	}
	l.logger.Log(ctx, l.level, "probe snapshot", attrs...)
	return nil
}

func (l *Log) Close() error {
	return nil
}
