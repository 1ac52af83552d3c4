// Package probe turns transport round trips into per-target state.
//
// A Probe is driven by exactly one runner goroutine. Tick and MarkFailed
// are only called from that runner; State may be read from anywhere and
// returns the last published immutable value.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/stats"
)

var (
	// ErrBusy is returned by Tick while a measurement is still in flight.
	ErrBusy = errors.New("probe is busy")
	// ErrFailed is returned by Tick once the probe has been marked failed.
	ErrFailed = errors.New("probe has failed")
)

type Kind string

const (
	KindDNS      Kind = "dns"
	KindICMP     Kind = "icmp"
	KindCompound Kind = "compound"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDNS, KindICMP, KindCompound:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown probe kind %q", s)
	}
}

// Identity names a probe. Names are unique per kind.
type Identity struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

func (id Identity) String() string {
	return string(id.Kind) + "/" + id.Name
}

// ParseIdentity parses the "kind/name" form produced by String.
func ParseIdentity(s string) (Identity, error) {
	kind, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return Identity{}, fmt.Errorf("invalid probe identity %q, want kind/name", s)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kind: k, Name: name}, nil
}

// State is the last known condition of a probe. Values are never mutated
// after they are published.
type State struct {
	Identity Identity `json:"identity"`
	// Known is false until the first measurement completes.
	Known         bool            `json:"known"`
	Up            bool            `json:"up"`
	Stats         stats.Stats     `json:"stats"`
	Last          history.Outcome `json:"-"`
	Total         uint64          `json:"total"`
	Lost          uint64          `json:"lost"`
	BytesSent     uint64          `json:"bytes_sent"`
	BytesReceived uint64          `json:"bytes_received"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Failed        bool            `json:"failed"`
	FailReason    string          `json:"fail_reason,omitempty"`
}

// Available reports whether the state carries a usable measurement.
func (s State) Available() bool {
	return s.Known && !s.Failed
}

// LastError is the reason of the latest failed measurement, if any.
func (s State) LastError() string {
	if !s.Known || s.Last.OK() {
		return ""
	}
	return s.Last.Err.Error()
}

// Snapshot is what a probe hands to publishers after each measurement.
type Snapshot struct {
	State
	FillPercent float64       `json:"fill_percent"`
	HistoryLen  int           `json:"history_len"`
	Precision   int           `json:"precision"`
	Interval    time.Duration `json:"interval"`
	RunID       string        `json:"run_id"`
	Seq         uint64        `json:"seq"`
}

// Descriptor is the static metadata sinks need to announce a probe.
type Descriptor struct {
	Identity   Identity          `json:"identity"`
	Target     string            `json:"target,omitempty"`
	Interval   time.Duration     `json:"interval"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Precision  int               `json:"precision"`
	HistoryLen int               `json:"history_len"`
	Rule       string            `json:"rule,omitempty"`
	Children   []Identity        `json:"children,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Probe interface {
	Identity() Identity
	Interval() time.Duration
	// Tick performs one measurement and returns the resulting snapshot.
	// A fatal error means the probe cannot continue.
	Tick(ctx context.Context) (Snapshot, error)
	// MarkFailed publishes a terminal state carrying err.
	MarkFailed(err error) Snapshot
	State() State
	Descriptor() Descriptor
	Close() error
}

// Dependent is implemented by probes whose state derives from others.
type Dependent interface {
	Dependencies() []Identity
	// Refresh re-evaluates the derived state without recording history.
	// It reports whether the up state changed.
	Refresh() (Snapshot, bool)
}

const (
	phaseIdle int32 = iota
	phaseMeasuring
	phaseRecording
)

func failedState(prev State, err error, now time.Time) State {
	next := prev
	next.Failed = true
	next.Up = false
	next.UpdatedAt = now
	if err != nil {
		next.FailReason = err.Error()
	}
	return next
}
