// Package publish delivers probe snapshots to external sinks.
//
// Publishers are called from a single aggregation goroutine, in arrival
// order. Errors are reported back to the caller for logging and are never
// retried by the core.
package publish

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/netprobe/internal/probe"
)

type Publisher interface {
	// Announce describes every probe once, before the first snapshot.
	Announce(ctx context.Context, descriptors []probe.Descriptor) error
	Publish(ctx context.Context, snap probe.Snapshot) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Announce(context.Context, []probe.Descriptor) error { return nil }
func (Nop) Publish(context.Context, probe.Snapshot) error      { return nil }
func (Nop) Close() error                                       { return nil }

// Multi fans out to several publishers. Announce runs them in parallel;
// Publish runs them in order so each sink sees snapshots in arrival order.
type Multi struct {
	sinks []Publisher
}

func NewMulti(sinks ...Publisher) *Multi {
	out := make([]Publisher, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

// Add appends a sink. It must not be called once publishing has started.
func (m *Multi) Add(p Publisher) {
	if p != nil {
		m.sinks = append(m.sinks, p)
	}
}

// Announce does not cancel the other sinks when one fails; it returns the
// first error.
func (m *Multi) Announce(ctx context.Context, descriptors []probe.Descriptor) error {
	var g errgroup.Group
	for _, sink := range m.sinks {
		sink := sink
		g.Go(func() error {
			return sink.Announce(ctx, descriptors)
		})
	}
	return g.Wait()
}

// Publish delivers to every sink even when earlier ones fail and returns
// the joined errors.
func (m *Multi) Publish(ctx context.Context, snap probe.Snapshot) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
