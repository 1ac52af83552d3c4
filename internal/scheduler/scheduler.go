// Package scheduler drives probes on their own cadence and funnels their
// snapshots into a single publishing goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/netprobe/internal/probe"
	"github.com/NodePath81/netprobe/internal/publish"
	"github.com/NodePath81/netprobe/internal/util"
)

var (
	ErrDuplicateProbe = errors.New("duplicate probe")
	ErrUnknownProbe   = errors.New("unknown probe")
	ErrStopped        = errors.New("scheduler is stopped")
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrBusy is returned by Trigger while the probe is measuring.
	ErrBusy = probe.ErrBusy
)

const (
	defaultEventBuffer    = 64
	defaultPublishTimeout = 5 * time.Second
)

type Options struct {
	// RunID tags every snapshot of this scheduler; a uuid by default.
	RunID          string
	EventBuffer    int
	PublishTimeout time.Duration
}

// Failure reports a probe whose loop ended.
type Failure struct {
	Identity probe.Identity
	Err      error
	At       time.Time
}

// PanicError wraps a panic recovered from a probe tick.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("probe panicked: %v", e.Value)
}

type ProbeStatus struct {
	Identity   probe.Identity `json:"identity"`
	Interval   time.Duration  `json:"interval"`
	Running    bool           `json:"running"`
	Measuring  bool           `json:"measuring"`
	Failed     bool           `json:"failed"`
	FailReason string         `json:"fail_reason,omitempty"`
	Ticks      uint64         `json:"ticks"`
	Skipped    uint64         `json:"skipped"`
	LastTick   time.Time      `json:"last_tick,omitempty"`
}

type Status struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Probes    []ProbeStatus `json:"probes"`
}

type Scheduler struct {
	runID          string
	logger         util.Logger
	publisher      publish.Publisher
	publishTimeout time.Duration

	runners    []*runner
	byID       map[probe.Identity]*runner
	dependents map[probe.Identity][]*runner

	events   chan probe.Snapshot
	failures chan Failure

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	aggDone   chan struct{}
	done      chan struct{}
}

type runner struct {
	probe   probe.Probe
	trigger chan triggerRequest
	wake    chan struct{}
	seq     uint64

	running   atomic.Bool
	measuring atomic.Bool
	failed    atomic.Bool
	ticks     atomic.Uint64
	skipped   atomic.Uint64
	lastTick  atomic.Int64

	failMu     sync.Mutex
	failReason string
}

type triggerRequest struct {
	reply chan triggerResult
}

type triggerResult struct {
	snap probe.Snapshot
	err  error
}

// New validates the probe set. Identities must be unique and every
// dependency of a dependent probe must be part of the set.
func New(probes []probe.Probe, publisher publish.Publisher, logger util.Logger, opts Options) (*Scheduler, error) {
	if logger == nil {
		logger = util.NewLogger()
	}
	if publisher == nil {
		publisher = publish.Nop{}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	s := &Scheduler{
		runID:          opts.RunID,
		logger:         logger,
		publisher:      publisher,
		publishTimeout: opts.PublishTimeout,
		byID:           make(map[probe.Identity]*runner, len(probes)),
		dependents:     make(map[probe.Identity][]*runner),
		events:         make(chan probe.Snapshot, opts.EventBuffer),
		failures:       make(chan Failure, len(probes)),
		aggDone:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, p := range probes {
		if p == nil {
			return nil, errors.New("nil probe")
		}
		id := p.Identity()
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProbe, id)
		}
		if p.Interval() <= 0 {
			return nil, fmt.Errorf("probe %s: interval must be > 0", id)
		}
		r := &runner{
			probe:   p,
			trigger: make(chan triggerRequest),
			wake:    make(chan struct{}, 1),
		}
		s.runners = append(s.runners, r)
		s.byID[id] = r
	}
	for _, r := range s.runners {
		dep, ok := r.probe.(probe.Dependent)
		if !ok {
			continue
		}
		for _, child := range dep.Dependencies() {
			if _, ok := s.byID[child]; !ok {
				return nil, fmt.Errorf("probe %s depends on %w %s", r.probe.Identity(), ErrUnknownProbe, child)
			}
			s.dependents[child] = append(s.dependents[child], r)
		}
	}
	return s, nil
}

func (s *Scheduler) RunID() string {
	return s.runID
}

// Start announces every probe and launches one runner per probe. The
// announcement failing is logged, not fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()

	announceCtx, cancelAnnounce := context.WithTimeout(ctx, s.publishTimeout)
	if err := s.publisher.Announce(announceCtx, s.Descriptors()); err != nil {
		s.logger.Warn("announce failed", "error", err)
	}
	cancelAnnounce()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.aggregate()
	for _, r := range s.runners {
		r.running.Store(true)
		s.wg.Add(1)
		go s.run(runCtx, r)
	}
	s.logger.Info("scheduler started", "probes", len(s.runners), "run_id", s.runID)
	return nil
}

// Stop cancels every runner, waits for in-flight measurements to finish or
// time out, then drains the aggregation channel. It is safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	close(s.done)
	if !started {
		return
	}
	cancel()
	s.wg.Wait()
	close(s.events)
	<-s.aggDone
	s.logger.Info("scheduler stopped", "run_id", s.runID)
}

// Failures delivers one value per probe whose loop ended on an error.
func (s *Scheduler) Failures() <-chan Failure {
	return s.failures
}

func (s *Scheduler) Probes() []probe.Probe {
	out := make([]probe.Probe, len(s.runners))
	for i, r := range s.runners {
		out[i] = r.probe
	}
	return out
}

func (s *Scheduler) Lookup(id probe.Identity) (probe.Probe, bool) {
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return r.probe, true
}

func (s *Scheduler) Descriptors() []probe.Descriptor {
	out := make([]probe.Descriptor, len(s.runners))
	for i, r := range s.runners {
		out[i] = r.probe.Descriptor()
	}
	return out
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{RunID: s.runID, StartedAt: s.startedAt}
	s.mu.Unlock()
	st.Probes = make([]ProbeStatus, 0, len(s.runners))
	for _, r := range s.runners {
		ps := ProbeStatus{
			Identity:  r.probe.Identity(),
			Interval:  r.probe.Interval(),
			Running:   r.running.Load(),
			Measuring: r.measuring.Load(),
			Failed:    r.failed.Load(),
			Ticks:     r.ticks.Load(),
			Skipped:   r.skipped.Load(),
		}
		if last := r.lastTick.Load(); last != 0 {
			ps.LastTick = time.Unix(0, last)
		}
		r.failMu.Lock()
		ps.FailReason = r.failReason
		r.failMu.Unlock()
		st.Probes = append(st.Probes, ps)
	}
	return st
}

// Trigger runs one measurement on the probe's own runner and returns its
// snapshot. It returns ErrBusy while the runner is measuring, and
// probe.ErrNotReady for a compound whose children have not reported.
func (s *Scheduler) Trigger(ctx context.Context, id probe.Identity) (probe.Snapshot, error) {
	r, ok := s.byID[id]
	if !ok {
		return probe.Snapshot{}, fmt.Errorf("%w %s", ErrUnknownProbe, id)
	}
	if r.failed.Load() {
		return probe.Snapshot{}, probe.ErrFailed
	}
	if !r.running.Load() {
		return probe.Snapshot{}, ErrStopped
	}
	if r.measuring.Load() {
		return probe.Snapshot{}, ErrBusy
	}
	req := triggerRequest{reply: make(chan triggerResult, 1)}
	select {
	case r.trigger <- req:
	case <-ctx.Done():
		return probe.Snapshot{}, ctx.Err()
	case <-s.done:
		return probe.Snapshot{}, ErrStopped
	}
	select {
	case res := <-req.reply:
		return res.snap, res.err
	case <-ctx.Done():
		return probe.Snapshot{}, ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, r *runner) {
	defer s.wg.Done()
	defer r.running.Store(false)
	defer func() {
		if err := r.probe.Close(); err != nil {
			s.logger.Warn("probe close failed", "probe", r.probe.Identity().String(), "error", err)
		}
	}()

	ticker := time.NewTicker(r.probe.Interval())
	defer ticker.Stop()

	if _, err := s.measure(ctx, r); err != nil && terminal(err) {
		return
	}
	drain(ticker, r)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if _, err := s.measure(ctx, r); err != nil && terminal(err) {
				return
			}
			drain(ticker, r)
		case req := <-r.trigger:
			snap, err := s.measure(ctx, r)
			req.reply <- triggerResult{snap: snap, err: err}
			if err != nil && terminal(err) {
				return
			}
			drain(ticker, r)
		case <-r.wake:
			if err := s.refresh(ctx, r); err != nil && terminal(err) {
				return
			}
		}
	}
}

// drain drops a tick that fired while the probe was measuring.
func drain(ticker *time.Ticker, r *runner) {
	select {
	case <-ticker.C:
		r.skipped.Add(1)
	default:
	}
}

// terminal reports whether err ends the runner.
func terminal(err error) bool {
	return !errors.Is(err, probe.ErrBusy) && !errors.Is(err, probe.ErrNotReady)
}

// measure runs one tick. Any error other than ErrBusy or ErrNotReady marks
// the probe failed and is surfaced on Failures.
func (s *Scheduler) measure(ctx context.Context, r *runner) (probe.Snapshot, error) {
	r.measuring.Store(true)
	snap, err := s.safeTick(ctx, r)
	r.measuring.Store(false)

	if errors.Is(err, probe.ErrBusy) {
		r.skipped.Add(1)
		return snap, err
	}
	if errors.Is(err, probe.ErrNotReady) {
		return snap, err
	}
	if err != nil {
		s.fail(r, err)
		return snap, err
	}
	r.ticks.Add(1)
	r.lastTick.Store(snap.UpdatedAt.UnixNano())
	return s.emit(r, snap), nil
}

func (s *Scheduler) safeTick(ctx context.Context, r *runner) (snap probe.Snapshot, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	// In-flight measurements finish on their own timeout after Stop.
	return r.probe.Tick(context.WithoutCancel(ctx))
}

// refresh re-evaluates a dependent after a child published. A dependent
// that has not recorded yet gets its first full tick here instead of
// waiting for the next interval.
func (s *Scheduler) refresh(ctx context.Context, r *runner) error {
	dep, ok := r.probe.(probe.Dependent)
	if !ok || r.failed.Load() {
		return nil
	}
	if !r.probe.State().Known {
		_, err := s.measure(ctx, r)
		return err
	}
	snap, changed := dep.Refresh()
	if changed {
		s.emit(r, snap)
	}
	return nil
}

func (s *Scheduler) fail(r *runner, err error) {
	id := r.probe.Identity().String()
	var pe *PanicError
	if errors.As(err, &pe) {
		s.logger.Error("probe panicked", "probe", id, "panic", pe.Value, "stack", string(pe.Stack))
	} else {
		s.logger.Error("probe failed", "probe", id, "error", err)
	}
	r.failed.Store(true)
	r.failMu.Lock()
	r.failReason = err.Error()
	r.failMu.Unlock()

	snap, markErr := s.safeMarkFailed(r, err)
	if markErr == nil {
		s.emit(r, snap)
	}
	s.failures <- Failure{Identity: r.probe.Identity(), Err: err, At: time.Now()}
}

func (s *Scheduler) safeMarkFailed(r *runner, err error) (snap probe.Snapshot, markErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			markErr = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return r.probe.MarkFailed(err), nil
}

func (s *Scheduler) emit(r *runner, snap probe.Snapshot) probe.Snapshot {
	r.seq++
	snap.RunID = s.runID
	snap.Seq = r.seq
	s.events <- snap
	return snap
}

// aggregate publishes snapshots in arrival order and nudges compounds
// whose children just changed.
func (s *Scheduler) aggregate() {
	defer close(s.aggDone)
	for snap := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		if err := s.publisher.Publish(ctx, snap); err != nil {
			s.logger.Warn("publish failed", "probe", snap.Identity.String(), "error", err)
		}
		cancel()
		for _, dep := range s.dependents[snap.Identity] {
			select {
			case dep.wake <- struct{}{}:
			default:
			}
		}
	}
}
