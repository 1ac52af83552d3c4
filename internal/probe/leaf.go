package probe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/stats"
	"github.com/NodePath81/netprobe/internal/transport"
)

type LeafConfig struct {
	Name       string
	Kind       Kind
	Target     string
	Interval   time.Duration
	Timeout    time.Duration
	HistoryLen int
	Precision  int
	Attributes map[string]string
}

func (c LeafConfig) validate() error {
	if c.Name == "" {
		return errors.New("probe name must not be empty")
	}
	if c.Kind != KindDNS && c.Kind != KindICMP {
		return fmt.Errorf("probe %s: kind must be dns or icmp", c.Name)
	}
	if c.Target == "" {
		return fmt.Errorf("probe %s: target must not be empty", c.Name)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("probe %s: interval must be > 0", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("probe %s: timeout must be > 0", c.Name)
	}
	if c.Precision < 0 {
		return fmt.Errorf("probe %s: precision must be >= 0", c.Name)
	}
	return nil
}

// LeafProbe measures one target through one transport. Its phase moves
// Idle -> Measuring -> Recording -> Idle; a Tick arriving outside Idle is
// rejected with ErrBusy rather than queued.
type LeafProbe struct {
	cfg       LeafConfig
	id        Identity
	transport transport.Transport
	history   *history.Buffer
	phase     atomic.Int32
	state     atomic.Pointer[State]
	now       func() time.Time
}

func NewLeaf(cfg LeafConfig, tr transport.Transport) (*LeafProbe, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("probe %s: transport is required", cfg.Name)
	}
	buf, err := history.New(cfg.HistoryLen)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}
	cfg.Attributes = maps.Clone(cfg.Attributes)
	p := &LeafProbe{
		cfg:       cfg,
		id:        Identity{Kind: cfg.Kind, Name: cfg.Name},
		transport: tr,
		history:   buf,
		now:       time.Now,
	}
	p.state.Store(&State{Identity: p.id})
	return p, nil
}

func (p *LeafProbe) Identity() Identity {
	return p.id
}

func (p *LeafProbe) Interval() time.Duration {
	return p.cfg.Interval
}

func (p *LeafProbe) State() State {
	return *p.state.Load()
}

// History returns a copy of the recorded outcomes, oldest first.
func (p *LeafProbe) History() history.Snapshot {
	return p.history.Snapshot()
}

func (p *LeafProbe) Tick(ctx context.Context) (Snapshot, error) {
	if p.state.Load().Failed {
		return Snapshot{}, ErrFailed
	}
	if !p.phase.CompareAndSwap(phaseIdle, phaseMeasuring) {
		return Snapshot{}, ErrBusy
	}
	defer p.phase.Store(phaseIdle)

	res, err := p.transport.Measure(ctx, p.cfg.Timeout)
	if transport.IsFatal(err) {
		return Snapshot{}, err
	}

	p.phase.Store(phaseRecording)
	now := p.now()
	var outcome history.Outcome
	sent := uint64(res.BytesSent)
	if err != nil {
		outcome = history.Failure(now, err)
		var te *transport.Error
		if errors.As(err, &te) {
			sent = uint64(te.BytesSent)
		}
	} else {
		outcome = history.Success(now, res.RTT)
	}
	p.history.Record(outcome)

	next := *p.state.Load()
	next.Known = true
	next.Up = outcome.OK()
	next.Stats = stats.Compute(p.history.Snapshot())
	next.Last = outcome
	next.Total++
	if !outcome.OK() {
		next.Lost++
	}
	next.BytesSent += sent
	next.BytesReceived += uint64(res.BytesReceived)
	next.UpdatedAt = now
	p.state.Store(&next)
	return p.snapshot(next), nil
}

func (p *LeafProbe) MarkFailed(err error) Snapshot {
	next := failedState(*p.state.Load(), err, p.now())
	p.state.Store(&next)
	return p.snapshot(next)
}

func (p *LeafProbe) Descriptor() Descriptor {
	return Descriptor{
		Identity:   p.id,
		Target:     p.cfg.Target,
		Interval:   p.cfg.Interval,
		Timeout:    p.cfg.Timeout,
		Precision:  p.cfg.Precision,
		HistoryLen: p.history.Cap(),
		Attributes: maps.Clone(p.cfg.Attributes),
	}
}

func (p *LeafProbe) Close() error {
	return p.transport.Close()
}

func (p *LeafProbe) snapshot(st State) Snapshot {
	return Snapshot{
		State:       st,
		FillPercent: p.history.FillPercent(),
		HistoryLen:  p.history.Cap(),
		Precision:   p.cfg.Precision,
		Interval:    p.cfg.Interval,
	}
}
