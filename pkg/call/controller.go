// Package call owns the lifecycle of a single voice call: microphone
// acquisition, the live session, capture streaming, the elapsed timer and
// teardown.
package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/capture"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/live"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/media"
	"github.com/harunnryd/janvaani/pkg/metrics"
)

// User-facing error messages.
const (
	MicrophoneError    = "Could not access microphone. Please grant permission and try again."
	ConnectionError    = "Connection error. Please try again."
	ConnectFailedError = "Could not connect to the assistant. Please try again."
)

const (
	DefaultSettleDelay    = 1500 * time.Millisecond
	DefaultAcquireTimeout = 15 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

// Connector opens live sessions; *live.Client implements it.
type Connector interface {
	Connect(ctx context.Context, callID string, cb live.Callbacks) *live.Pending
}

type Options struct {
	Client      Connector
	Devices     media.Devices
	Constraints media.Constraints

	SettleDelay    time.Duration
	AcquireTimeout time.Duration
	CloseTimeout   time.Duration

	Clock    Clock
	NewID    func() string
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	State   State
	Error   string
	Elapsed int
	CallID  string
}

// Controller serializes every call event on one loop goroutine. Public
// methods only post intents to the loop and never block on call work.
type Controller struct {
	opts   Options
	clock  Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events    chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closers   sync.WaitGroup

	snap atomic.Pointer[Snapshot]
	// guard holds the pending handle of the current call. Swapping it to nil
	// is what makes teardown run at most once per call.
	guard atomic.Pointer[live.Pending]

	// Loop-owned state.
	fsm           *stateMachine
	callID        string
	errMsg        string
	elapsed       int
	activeAt      time.Time
	gen           uint64
	tickGen       uint64
	settleGen     uint64
	settle        Timer
	acquireCancel context.CancelFunc
	stream        media.Stream
	pipeline      *capture.Pipeline
}

func New(opts Options) *Controller {
	if opts.Constraints.SampleRate <= 0 {
		opts.Constraints.SampleRate = audio.InputSampleRate
	}
	if opts.Constraints.ChunkSize <= 0 {
		opts.Constraints.ChunkSize = capture.DefaultChunkSize
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "call_controller")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		fsm:      newStateMachine(opts.Clock.Now),
	}
	c.publish()
	go c.loop()
	return c
}

// Start begins a call. It is a no-op unless the controller is idle.
func (c *Controller) Start() { c.post(c.start) }

// End hangs up the current call, or abandons one still acquiring the
// microphone.
func (c *Controller) End() { c.post(c.end) }

// ToggleCall starts from Idle and ends from Connecting or Active.
func (c *Controller) ToggleCall() {
	c.post(func() {
		switch c.fsm.State() {
		case StateIdle:
			c.start()
		case StateConnecting, StateActive:
			c.end()
		}
	})
}

// AddListener registers l for state changes.
func (c *Controller) AddListener(l StateListener) {
	c.call(func() { c.fsm.AddListener(l) })
}

// Snapshot returns the latest published view.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Done is closed once the controller has been disposed.
func (c *Controller) Done() <-chan struct{} { return c.loopDone }

// Close disposes the controller: it tears down any call, waits for the
// session close to finish and stops the loop. Safe to call repeatedly.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.call(c.dispose)
		close(c.quit)
		<-c.loopDone
		c.closers.Wait()
		c.cancel()
	})
	return nil
}

// Drain satisfies runner.Drainer.
func (c *Controller) Drain() error { return c.Close() }

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
			c.publish()
		case <-c.quit:
			return
		}
	}
}

// post enqueues fn for the loop. It reports false once the loop stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call posts fn and waits until the loop ran it.
func (c *Controller) call(fn func()) {
	done := make(chan struct{})
	if c.post(func() {
		fn()
		close(done)
	}) {
		select {
		case <-done:
		case <-c.loopDone:
		}
	}
}

func (c *Controller) publish() {
	c.snap.Store(&Snapshot{
		State:   c.fsm.State(),
		Error:   c.errMsg,
		Elapsed: c.elapsed,
		CallID:  c.callID,
	})
}

func (c *Controller) transition(to State, reason string) {
	if err := c.fsm.Transition(to, reason); err != nil {
		c.logger.Error("call_transition_rejected", slog.String("error", err.Error()), slog.String("call_id", c.callID))
	}
}

func (c *Controller) start() {
	if c.fsm.State() != StateIdle {
		return
	}
	c.cancelSettle()
	c.gen++
	c.callID = c.opts.NewID()
	c.errMsg = ""
	c.elapsed = 0
	c.transition(StateConnecting, "user start")
	c.logger.Info("call_started", slog.String("call_id", c.callID))
	metrics.Emit(c.opts.Observer, metrics.EventCallStart, c.callID, 0, nil)

	gen := c.gen
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AcquireTimeout)
	c.acquireCancel = cancel
	go func() {
		stream, err := acquire(ctx, c.opts.Devices, c.opts.Constraints)
		cancel()
		if !c.post(func() { c.onAcquired(gen, stream, err) }) && stream != nil {
			_ = stream.Stop()
		}
	}()
}

// acquire bounds GetUserMedia by ctx. A stream granted after the deadline is
// released.
func acquire(ctx context.Context, devices media.Devices, constraints media.Constraints) (media.Stream, error) {
	type result struct {
		stream media.Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := devices.GetUserMedia(ctx, constraints)
		ch <- result{stream: s, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errorsx.Wrap(r.err, errorsx.ReasonMediaAccessDenied)
		}
		return r.stream, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.stream != nil {
				_ = r.stream.Stop()
			}
		}()
		return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonMediaAccessDenied)
	}
}

func (c *Controller) onAcquired(gen uint64, stream media.Stream, err error) {
	if gen != c.gen || c.fsm.State() != StateConnecting {
		if stream != nil {
			_ = stream.Stop()
		}
		return
	}
	c.acquireCancel = nil
	if err != nil {
		c.errMsg = MicrophoneError
		c.logger.Warn("call_microphone_denied", slog.String("call_id", c.callID), slog.String("error", err.Error()))
		metrics.Emit(c.opts.Observer, metrics.EventCallError, c.callID, 0, map[string]any{
			"reason": string(errorsx.Reason(err)),
			"error":  err.Error(),
		})
		c.transition(StateIdle, "microphone unavailable")
		return
	}
	c.stream = stream
	pending := c.opts.Client.Connect(c.ctx, c.callID, live.Callbacks{
		OnOpen:  func() { c.post(func() { c.onOpen(gen) }) },
		OnClose: func() { c.post(func() { c.onClose(gen) }) },
		OnError: func(err error) { c.post(func() { c.onError(gen, err) }) },
	})
	c.guard.Store(pending)
	go func() {
		if _, err := pending.Wait(context.Background()); err != nil {
			c.post(func() { c.onConnectFailed(gen, pending, err) })
		}
	}()
}

func (c *Controller) onOpen(gen uint64) {
	pending := c.guard.Load()
	if gen != c.gen || pending == nil || c.fsm.State() != StateConnecting {
		return
	}
	c.transition(StateActive, "session open")
	c.logger.Info("call_active", slog.String("call_id", c.callID))
	metrics.Emit(c.opts.Observer, metrics.EventCallActive, c.callID, 0, nil)

	c.pipeline = capture.New(c.stream, capture.Options{
		ChunkSize: c.opts.Constraints.ChunkSize,
		OnChunk:   c.chunkSink(pending),
		OnError: func(err error) {
			go c.post(func() { c.onCaptureError(gen, err) })
		},
		Logger: logging.NewComponentLogger(slog.Default(), "capture").With(slog.String("call_id", c.callID)),
	})
	c.pipeline.Connect()

	c.activeAt = c.clock.Now()
	c.tickGen++
	c.scheduleTick(c.tickGen)
}

// chunkSink forwards encoded chunks while pending is still the current call.
func (c *Controller) chunkSink(pending *live.Pending) func([]float32) {
	return func(chunk []float32) {
		if c.guard.Load() != pending {
			return
		}
		if s := pending.Session(); s != nil {
			s.SendRealtimeInput(audio.EncodeRate(chunk, c.opts.Constraints.SampleRate))
		}
	}
}

func (c *Controller) scheduleTick(tg uint64) {
	next := c.activeAt.Add(time.Duration(c.elapsed+1) * time.Second)
	c.clock.AfterFunc(next.Sub(c.clock.Now()), func() {
		c.post(func() { c.onTick(tg) })
	})
}

func (c *Controller) onTick(tg uint64) {
	if tg != c.tickGen || c.fsm.State() != StateActive {
		return
	}
	c.elapsed++
	c.scheduleTick(tg)
}

func (c *Controller) onClose(gen uint64) {
	if gen != c.gen {
		return
	}
	c.teardown("remote close")
}

func (c *Controller) onError(gen uint64, err error) {
	if gen != c.gen || c.guard.Load() == nil {
		return
	}
	c.errMsg = ConnectionError
	metrics.Emit(c.opts.Observer, metrics.EventCallError, c.callID, 0, map[string]any{
		"reason": string(errorsx.Reason(err)),
		"error":  err.Error(),
	})
	c.teardown("session error")
}

func (c *Controller) onConnectFailed(gen uint64, pending *live.Pending, err error) {
	if gen != c.gen || c.guard.Load() != pending {
		return
	}
	c.errMsg = ConnectFailedError
	c.logger.Warn("call_connect_failed", slog.String("call_id", c.callID), slog.String("error", err.Error()))
	metrics.Emit(c.opts.Observer, metrics.EventCallError, c.callID, 0, map[string]any{
		"reason": string(errorsx.Reason(err)),
		"error":  err.Error(),
	})
	// A rejected connection never held a session: back to Idle at once so
	// the caller can retry.
	c.finish("connect failed", StateIdle)
}

func (c *Controller) onCaptureError(gen uint64, err error) {
	if gen != c.gen || c.guard.Load() == nil {
		return
	}
	c.errMsg = MicrophoneError
	metrics.Emit(c.opts.Observer, metrics.EventCallError, c.callID, 0, map[string]any{
		"reason": string(errorsx.ReasonMediaAccessDenied),
		"error":  err.Error(),
	})
	c.teardown("microphone lost")
}

func (c *Controller) end() {
	if c.abandonAcquire("cancelled before connect") {
		return
	}
	c.teardown("local hangup")
}

// abandonAcquire drops a call still waiting for the microphone. No session
// exists yet, so the call goes straight back to Idle.
func (c *Controller) abandonAcquire(reason string) bool {
	if c.fsm.State() != StateConnecting || c.guard.Load() != nil || c.acquireCancel == nil {
		return false
	}
	c.acquireCancel()
	c.acquireCancel = nil
	c.gen++
	c.transition(StateIdle, reason)
	c.logger.Info("call_abandoned", slog.String("call_id", c.callID), slog.String("reason", reason))
	metrics.Emit(c.opts.Observer, metrics.EventCallEnd, c.callID, 0, map[string]any{"reason": reason})
	return true
}

// teardown runs at most once per call: the guard swap decides.
func (c *Controller) teardown(reason string) { c.finish(reason, StateEnded) }

// finish swaps the guard out, releases the call's resources and moves to
// next. Only StateEnded schedules the settle back to Idle.
func (c *Controller) finish(reason string, next State) {
	pending := c.guard.Swap(nil)
	if pending == nil {
		return
	}
	c.transition(next, reason)
	c.tickGen++
	c.release()
	c.logger.Info("call_teardown",
		slog.String("call_id", c.callID),
		slog.String("reason", reason),
		slog.Int("elapsed", c.elapsed),
	)
	metrics.Emit(c.opts.Observer, metrics.EventCallEnd, c.callID, float64(c.elapsed), map[string]any{"reason": reason})

	c.closers.Add(1)
	go c.closeSession(pending, c.callID)

	if next != StateEnded {
		return
	}
	c.settleGen++
	sg := c.settleGen
	c.settle = c.clock.AfterFunc(c.opts.SettleDelay, func() {
		c.post(func() { c.onSettle(sg) })
	})
}

// release stops capture and the microphone unconditionally.
func (c *Controller) release() {
	if c.pipeline != nil {
		c.pipeline.Disconnect()
	}
	if c.stream != nil {
		if err := c.stream.Stop(); err != nil {
			c.logger.Warn("call_microphone_stop_failed", slog.String("call_id", c.callID), slog.String("error", err.Error()))
		}
	}
	if c.pipeline != nil && !c.pipeline.Closed() {
		c.pipeline.Close()
	}
	c.pipeline = nil
	c.stream = nil
}

// closeSession awaits the connection and closes it. Failures are logged and
// never reach the caller.
func (c *Controller) closeSession(pending *live.Pending, callID string) {
	defer c.closers.Done()
	pending.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancel()
	s, err := pending.Wait(ctx)
	if err != nil || s == nil {
		return
	}
	if err := s.Close(); err != nil {
		c.logger.Warn("call_session_close_failed",
			slog.String("call_id", callID),
			slog.String("reason", string(errorsx.ReasonCloseFailure)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) onSettle(sg uint64) {
	if sg != c.settleGen || c.fsm.State() != StateEnded {
		return
	}
	c.settle = nil
	c.transition(StateIdle, "settled")
}

func (c *Controller) cancelSettle() {
	c.settleGen++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Controller) dispose() {
	if !c.abandonAcquire("disposed") {
		c.teardown("disposed")
	}
	c.cancelSettle()
}
