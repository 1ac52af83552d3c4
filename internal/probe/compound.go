package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netprobe/internal/history"
	"github.com/NodePath81/netprobe/internal/stats"
)

var (
	ErrNoChildren = errors.New("compound probe needs at least one child")
	// ErrCompoundDown is the outcome error recorded while the rule says down.
	ErrCompoundDown = errors.New("compound is down")
	// ErrNotReady is returned by Tick until a child has reported.
	ErrNotReady = errors.New("compound children have not reported")
)

const DefaultCompoundHistory = 100

type CompoundConfig struct {
	Name string
	Rule Rule
	// Interval defaults to the smallest child interval.
	Interval   time.Duration
	HistoryLen int
	Precision  int
	Children   []Probe
}

// CompoundProbe derives an up state from its children's last known states.
// Nothing is recorded until at least one child has reported. After that,
// children that have not measured yet, or have failed, count as down. Each
// tick records a synthetic outcome, so loss reads as percent of time down.
type CompoundProbe struct {
	id       Identity
	rule     Rule
	interval time.Duration
	children []Probe
	history  *history.Buffer
	prec     int
	phase    atomic.Int32
	state    atomic.Pointer[State]
	now      func() time.Time
}

func NewCompound(cfg CompoundConfig) (*CompoundProbe, error) {
	if cfg.Name == "" {
		return nil, errors.New("compound name must not be empty")
	}
	if cfg.Rule == nil {
		return nil, fmt.Errorf("compound %s: %w", cfg.Name, ErrUnknownRule)
	}
	if len(cfg.Children) == 0 {
		return nil, fmt.Errorf("compound %s: %w", cfg.Name, ErrNoChildren)
	}
	seen := make(map[Identity]struct{}, len(cfg.Children))
	interval := cfg.Interval
	for _, child := range cfg.Children {
		if child == nil {
			return nil, fmt.Errorf("compound %s: nil child", cfg.Name)
		}
		cid := child.Identity()
		if cid.Kind == KindCompound && cid.Name == cfg.Name {
			return nil, fmt.Errorf("compound %s: refers to itself", cfg.Name)
		}
		if _, dup := seen[cid]; dup {
			return nil, fmt.Errorf("compound %s: child %s listed twice", cfg.Name, cid)
		}
		seen[cid] = struct{}{}
		if cfg.Interval <= 0 && (interval <= 0 || child.Interval() < interval) {
			interval = child.Interval()
		}
	}
	if interval <= 0 {
		return nil, fmt.Errorf("compound %s: interval must be > 0", cfg.Name)
	}
	if cfg.Precision < 0 {
		return nil, fmt.Errorf("compound %s: precision must be >= 0", cfg.Name)
	}
	histLen := cfg.HistoryLen
	if histLen == 0 {
		histLen = DefaultCompoundHistory
	}
	buf, err := history.New(histLen)
	if err != nil {
		return nil, fmt.Errorf("compound %s: %w", cfg.Name, err)
	}
	p := &CompoundProbe{
		id:       Identity{Kind: KindCompound, Name: cfg.Name},
		rule:     cfg.Rule,
		interval: interval,
		children: append([]Probe(nil), cfg.Children...),
		history:  buf,
		prec:     cfg.Precision,
		now:      time.Now,
	}
	p.state.Store(&State{Identity: p.id})
	return p, nil
}

func (p *CompoundProbe) Identity() Identity {
	return p.id
}

func (p *CompoundProbe) Interval() time.Duration {
	return p.interval
}

func (p *CompoundProbe) Rule() Rule {
	return p.rule
}

func (p *CompoundProbe) State() State {
	return *p.state.Load()
}

func (p *CompoundProbe) Dependencies() []Identity {
	ids := make([]Identity, len(p.children))
	for i, child := range p.children {
		ids[i] = child.Identity()
	}
	return ids
}

// ChildrenUp returns the up vector the rule is evaluated on.
func (p *CompoundProbe) ChildrenUp() []bool {
	up := make([]bool, len(p.children))
	for i, child := range p.children {
		st := child.State()
		up[i] = st.Available() && st.Up
	}
	return up
}

// ready reports whether any child has measured or failed.
func (p *CompoundProbe) ready() bool {
	for _, child := range p.children {
		if st := child.State(); st.Known || st.Failed {
			return true
		}
	}
	return false
}

func (p *CompoundProbe) Tick(ctx context.Context) (Snapshot, error) {
	if p.state.Load().Failed {
		return Snapshot{}, ErrFailed
	}
	if !p.phase.CompareAndSwap(phaseIdle, phaseMeasuring) {
		return Snapshot{}, ErrBusy
	}
	defer p.phase.Store(phaseIdle)
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if !p.ready() {
		return Snapshot{}, ErrNotReady
	}

	up := p.rule.Evaluate(p.ChildrenUp())
	p.phase.Store(phaseRecording)
	now := p.now()
	outcome := history.Success(now, 0)
	if !up {
		outcome = history.Failure(now, ErrCompoundDown)
	}
	p.history.Record(outcome)

	next := *p.state.Load()
	next.Known = true
	next.Up = up
	next.Stats = stats.Compute(p.history.Snapshot())
	next.Last = outcome
	next.Total++
	if !up {
		next.Lost++
	}
	next.UpdatedAt = now
	p.state.Store(&next)
	return p.snapshot(next), nil
}

// Refresh is called when a child publishes. It only updates Up, so the
// history keeps sampling at the compound's own interval.
func (p *CompoundProbe) Refresh() (Snapshot, bool) {
	prev := p.state.Load()
	if prev.Failed || !prev.Known {
		return Snapshot{}, false
	}
	up := p.rule.Evaluate(p.ChildrenUp())
	if up == prev.Up {
		return Snapshot{}, false
	}
	next := *prev
	next.Up = up
	next.UpdatedAt = p.now()
	p.state.Store(&next)
	return p.snapshot(next), true
}

func (p *CompoundProbe) MarkFailed(err error) Snapshot {
	next := failedState(*p.state.Load(), err, p.now())
	p.state.Store(&next)
	return p.snapshot(next)
}

func (p *CompoundProbe) Descriptor() Descriptor {
	return Descriptor{
		Identity:   p.id,
		Interval:   p.interval,
		Precision:  p.prec,
		HistoryLen: p.history.Cap(),
		Rule:       p.rule.Name(),
		Children:   p.Dependencies(),
	}
}

func (p *CompoundProbe) Close() error {
	return nil
}

func (p *CompoundProbe) snapshot(st State) Snapshot {
	return Snapshot{
		State:       st,
		FillPercent: p.history.FillPercent(),
		HistoryLen:  p.history.Cap(),
		Precision:   p.prec,
		Interval:    p.interval,
	}
}
