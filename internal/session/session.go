// Package session runs the progress engine for one job. A Session owns its
// sources, its authoritative and display state, and its terminal callbacks;
// nothing is shared between sessions.
//
// All state is mutated on a single loop goroutine. The stream supervisor and
// the poller run on their own goroutines and only hand frames to the loop,
// so the arbiter and animator need no locking.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thruflo/itinerant/internal/animator"
	"github.com/thruflo/itinerant/internal/arbiter"
	"github.com/thruflo/itinerant/internal/gate"
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
	"github.com/thruflo/itinerant/internal/reconnect"
	"github.com/thruflo/itinerant/internal/stream"
)

var (
	// ErrClosed is returned by Run when the session was closed by Close.
	ErrClosed = errors.New("session closed")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("session already started")
)

// Poller is the fallback source. *poll.Poller satisfies it.
type Poller interface {
	Run(ctx context.Context, jobID job.ID, deliver func([]stream.Frame)) error
	Nudge()
}

// Callbacks are the consumer's hooks. OnComplete and OnError together fire
// at most once per session. OnUpdate and OnWarning run on the loop
// goroutine; OnComplete may run on a timer goroutine after the settle delay.
type Callbacks struct {
	OnComplete func()
	OnError    func(error)
	// OnUpdate receives every new view.
	OnUpdate func(View)
	// OnWarning receives non-fatal conditions such as
	// job.ErrRetriesExhausted.
	OnWarning func(error)
}

// Option configures a Session.
type Option func(*Session)

// WithCallbacks sets the consumer's hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(s *Session) {
		s.callbacks = cb
	}
}

// WithLogger sets the parent logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithCatalog replaces the animator's message catalog.
func WithCatalog(c animator.Catalog) Option {
	return func(s *Session) {
		s.catalog = &c
	}
}

type batch struct {
	origin string
	frames []stream.Frame
}

// Session tracks one job.
type Session struct {
	id       string
	jobID    job.ID
	settings Settings

	source stream.Source
	poller Poller

	callbacks Callbacks
	logger    *logging.Logger
	catalog   *animator.Catalog

	arb  *arbiter.Arbiter
	anim *animator.Animator
	gate *gate.Gate
	sup  *reconnect.Supervisor

	frames chan batch
	conns  chan reconnect.ConnectionState
	cmds   chan func()

	// Loop-owned.
	conn         reconnect.ConnectionState
	warning      string
	terminalSeen bool
	finishing    bool
	startedAt    time.Time

	mu         sync.Mutex
	started    bool
	stopPoll   context.CancelFunc
	stopStream context.CancelFunc
	closed     chan struct{}
	closeOnce  sync.Once
	loopDone   chan struct{}
	exited     chan struct{}
	view       View
	state      arbiter.State
}

// New creates a session for jobID. source may be nil to run on polls alone;
// poller is required.
func New(jobID job.ID, source stream.Source, poller Poller, settings Settings, opts ...Option) *Session {
	s := &Session{
		id:       uuid.New().String(),
		jobID:    jobID,
		settings: settings.withDefaults(),
		source:   source,
		poller:   poller,
		logger:   logging.Default(),
		frames:   make(chan batch, 64),
		conns:    make(chan reconnect.ConnectionState, 16),
		cmds:     make(chan func()),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(map[string]interface{}{
		"session": s.id,
		"job":     string(jobID),
	})

	s.arb = arbiter.New()

	var animOpts []animator.Option
	if s.catalog != nil {
		animOpts = append(animOpts, animator.WithCatalog(*s.catalog))
	}
	s.anim = animator.New(s.settings.AnimatorStep, animOpts...)

	s.gate = gate.New(s.callbacks.OnComplete, s.callbacks.OnError,
		gate.WithSettle(s.settings.CompletionSettle),
		gate.WithContinueThreshold(s.settings.ContinueThreshold),
	)

	if source != nil {
		s.sup = reconnect.New(source, jobID,
			reconnect.WithMaxAttempts(s.settings.MaxReconnectAttempts),
			reconnect.WithBackoff(s.settings.ReconnectBase, s.settings.ReconnectCap),
			reconnect.WithLogger(s.logger),
			reconnect.WithStateHandler(s.onConnectionState),
		)
		s.conn = reconnect.ConnectionState{Phase: reconnect.PhaseConnecting}
	} else {
		s.conn = reconnect.ConnectionState{Phase: reconnect.PhaseExhausted}
	}

	s.state = s.arb.State()
	s.view = s.buildView(s.state)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// JobID returns the tracked job.
func (s *Session) JobID() job.ID {
	return s.jobID
}

// View returns the latest view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// State returns the latest authoritative state.
func (s *Session) State() arbiter.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns what closed the completion gate, if anything.
func (s *Session) Outcome() (gate.Trigger, error) {
	return s.gate.Outcome()
}

// Run tracks the job until a terminal callback fired, the ceiling elapsed,
// ctx was canceled or Close was called. It returns nil on completion, the
// *job.JobFailure on failure or stall, ErrClosed after Close and ctx.Err()
// on cancellation.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	select {
	case <-s.closed:
		s.mu.Unlock()
		close(s.loopDone)
		close(s.exited)
		return ErrClosed
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pollCtx, stopPoll := context.WithCancel(runCtx)
	streamCtx, stopStream := context.WithCancel(runCtx)
	s.stopPoll = stopPoll
	s.stopStream = stopStream
	s.mu.Unlock()

	s.startedAt = time.Now()
	metrics.SessionsActive.Inc()
	s.logger.Info("session started", "transport", s.transportName())

	var g errgroup.Group
	g.Go(func() error {
		return s.poller.Run(pollCtx, s.jobID, func(frames []stream.Frame) {
			s.enqueue(pollCtx, batch{origin: "poll", frames: frames})
		})
	})
	if s.sup != nil {
		g.Go(func() error {
			return s.sup.Run(streamCtx, s.streamHandler(streamCtx))
		})
	}

	err := s.loop(runCtx)
	close(s.loopDone)

	s.teardown()
	s.arb.Seal()
	cancel()
	_ = g.Wait()
	close(s.exited)

	outcome := outcomeOf(err)
	metrics.SessionsActive.Dec()
	metrics.ObserveSessionEnd(outcome, time.Since(s.startedAt))
	s.logger.Info("session ended", "outcome", outcome)
	return err
}

// Close tears the session down: it stops the poller, closes the stream and
// freezes the completion gate, in that order, before returning. Signals
// arriving afterwards are ignored and no callback fires. Close is safe to
// call more than once and from any goroutine.
func (s *Session) Close() {
	s.teardown()
	s.closeOnce.Do(func() { close(s.closed) })
}

// Wait blocks until Run has returned.
func (s *Session) Wait() {
	<-s.exited
}

func (s *Session) teardown() {
	s.mu.Lock()
	stopPoll, stopStream := s.stopPoll, s.stopStream
	s.mu.Unlock()

	if stopPoll != nil {
		stopPoll()
	}
	if stopStream != nil {
		stopStream()
	}
	s.gate.Freeze()
}

// RetryStream restarts an exhausted stream with a fresh attempt budget.
func (s *Session) RetryStream() {
	if s.sup != nil {
		s.sup.Retry()
	}
}

// ContinueManually completes the session through the manual override once
// progress reached the continue threshold. It reports whether it was
// accepted.
func (s *Session) ContinueManually() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}

	reply := make(chan bool, 1)
	cmd := func() {
		st := s.arb.State()
		ok := s.gate.ContinueManually(st.OverallProgress)
		if ok {
			s.terminalSeen = true
			s.arb.Seal()
			s.finish()
			s.anim.Settle(job.StatusCompleted)
			s.publish()
		}
		reply <- ok
	}
	select {
	case s.cmds <- cmd:
		return <-reply
	case <-s.loopDone:
		return false
	case <-s.closed:
		return false
	}
}

func (s *Session) loop(ctx context.Context) error {
	animTicker := time.NewTicker(s.settings.AnimatorTick)
	defer animTicker.Stop()
	msgTicker := time.NewTicker(s.settings.MessageRotation)
	defer msgTicker.Stop()
	ceiling := time.NewTimer(s.settings.MaxTimeout)
	defer ceiling.Stop()

	s.publish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case <-s.gate.Done():
			return s.result()
		case b := <-s.frames:
			s.apply(b)
		case cs := <-s.conns:
			s.connectionChanged(cs)
		case cmd := <-s.cmds:
			cmd()
		case <-animTicker.C:
			s.tick()
		case <-msgTicker.C:
			s.rotate()
		case <-ceiling.C:
			s.stall()
		}
	}
}

func (s *Session) result() error {
	if s.gate.Frozen() {
		return ErrClosed
	}
	_, err := s.gate.Outcome()
	return err
}

func (s *Session) apply(b batch) {
	change := s.arb.ApplyAll(b.frames)
	if !change.Changed {
		return
	}
	s.checkTerminal(b.origin)
	s.publish()
}

// checkTerminal hands a newly terminal state to the gate.
func (s *Session) checkTerminal(origin string) {
	if s.terminalSeen {
		return
	}
	st := s.arb.State()
	switch st.OverallStatus {
	case job.StatusCompleted:
		s.terminalSeen = true
		trigger := gate.TriggerStagesCompleted
		if st.CompletedByFrame {
			trigger = gate.TriggerCompletionFrame
			if origin == "poll" {
				trigger = gate.TriggerPollStatus
			}
		}
		s.finish()
		s.anim.Settle(job.StatusCompleted)
		s.logger.Info("job completed", "trigger", string(trigger))
		s.gate.Complete(trigger)

	case job.StatusFailed:
		s.terminalSeen = true
		s.anim.Settle(job.StatusFailed)
		s.logger.Warn("job failed", "error", st.Failure)
		s.gate.Fail(gate.TriggerJobFailure, st.Failure)
	}
}

func (s *Session) stall() {
	if s.terminalSeen {
		return
	}
	s.terminalSeen = true
	s.arb.Seal()
	s.anim.Settle(job.StatusFailed)
	s.logger.Warn("session ceiling elapsed without a terminal state", "timeout", s.settings.MaxTimeout.String())
	s.publish()
	s.gate.Fail(gate.TriggerTimeout, &job.JobFailure{Reason: job.ReasonStalled})
}

// finish starts the climb to 100. The bar reaches it halfway through the
// completion settle so timer jitter cannot leave it short when the gate
// fires; without a settle it jumps.
func (s *Session) finish() {
	s.finishing = true
	ticks := 0
	if s.settings.AnimatorTick > 0 {
		ticks = int(s.settings.CompletionSettle / (2 * s.settings.AnimatorTick))
	}
	s.anim.Finish(100, ticks)
}

func (s *Session) tick() {
	ceiling := s.arb.State().OverallProgress
	if s.finishing {
		ceiling = 100
	}
	s.anim.Tick(ceiling)
	s.publish()
}

func (s *Session) rotate() {
	s.anim.Rotate(s.activeStage())
	s.publish()
}

// activeStage returns the first running stage in discovery order.
func (s *Session) activeStage() job.StageID {
	st := s.arb.State()
	for _, id := range s.arb.StageOrder() {
		if st.PerStage[id].Status == job.StageRunning {
			return id
		}
	}
	return ""
}

func (s *Session) connectionChanged(cs reconnect.ConnectionState) {
	s.conn = cs
	switch cs.Phase {
	case reconnect.PhaseConnected:
		s.warning = ""
	case reconnect.PhaseDisconnected, reconnect.PhaseErrored:
		// Cover the reconnect gap.
		s.poller.Nudge()
	case reconnect.PhaseExhausted:
		s.warning = job.ErrRetriesExhausted.Error()
		s.poller.Nudge()
		if s.callbacks.OnWarning != nil {
			s.callbacks.OnWarning(job.ErrRetriesExhausted)
		}
	}
	s.publish()
}

// streamHandler forwards stream callbacks to the loop.
func (s *Session) streamHandler(ctx context.Context) stream.Handler {
	return stream.Handler{
		OnSignal: func(sig job.AgentSignal) {
			s.enqueue(ctx, batch{origin: "stream", frames: []stream.Frame{stream.NewSignalFrame(sig)}})
		},
		OnControl: func(f stream.Frame) {
			if f.Kind == stream.FrameConnected {
				return
			}
			s.enqueue(ctx, batch{origin: "stream", frames: []stream.Frame{f}})
		},
	}
}

func (s *Session) onConnectionState(cs reconnect.ConnectionState) {
	select {
	case s.conns <- cs:
	case <-s.closed:
	case <-s.loopDone:
	}
}

func (s *Session) enqueue(ctx context.Context, b batch) {
	select {
	case s.frames <- b:
	case <-ctx.Done():
	case <-s.closed:
	case <-s.loopDone:
	}
}

func (s *Session) publish() {
	st := s.arb.State()
	v := s.buildView(st)

	s.mu.Lock()
	s.view = v
	s.state = st
	s.mu.Unlock()

	if s.callbacks.OnUpdate != nil {
		s.callbacks.OnUpdate(v)
	}
}

func (s *Session) transportName() string {
	if s.source == nil {
		return "none"
	}
	return string(s.source.Transport())
}

func outcomeOf(err error) string {
	var jf *job.JobFailure
	switch {
	case err == nil:
		return "completed"
	case errors.As(err, &jf) && jf.Reason == job.ReasonStalled:
		return "stalled"
	case errors.As(err, &jf):
		return "failed"
	default:
		return "cancelled"
	}
}
