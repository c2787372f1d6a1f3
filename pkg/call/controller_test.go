package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/live"
	"github.com/harunnryd/janvaani/pkg/media"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/transports/mock"
)

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return &fakeTimerHandle{clock: f, t: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if h.t.fired || h.t.stopped {
		return false
	}
	h.t.stopped = true
	return true
}

// advance moves time forward by d and fires due timers in order.
func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.fired && !t.stopped && !t.at.After(target) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	f.now = target
	f.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

type fakeStream struct {
	feed  chan []float32
	stop  chan struct{}
	stops atomic.Int32
	once  sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{feed: make(chan []float32, 8), stop: make(chan struct{})}
}

func (s *fakeStream) Read(buf []float32) error {
	select {
	case chunk := <-s.feed:
		copy(buf, chunk)
		return nil
	case <-s.stop:
		return errors.New("stream stopped")
	}
}

func (s *fakeStream) Stop() error {
	s.stops.Add(1)
	s.once.Do(func() { close(s.stop) })
	return nil
}

type fakeDevices struct {
	err     error
	block   bool
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, _ media.Constraints) (media.Stream, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevices) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type harness struct {
	ctrl    *Controller
	clock   *fakeClock
	dialer  *mock.Dialer
	devices *fakeDevices
	obs     *metrics.MemoryObserver
	changes chan StateChange
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		dialer:  mock.NewDialer(),
		devices: &fakeDevices{},
		obs:     metrics.NewMemoryObserver(),
		changes: make(chan StateChange, 64),
	}
	ids := 0
	h.ctrl = New(Options{
		Client:      live.NewClient(live.Options{Dialer: h.dialer}),
		Devices:     h.devices,
		Constraints: media.Constraints{SampleRate: 16000, ChunkSize: 4},
		Clock:       h.clock,
		NewID: func() string {
			ids++
			return "call-" + string(rune('0'+ids))
		},
		Observer: h.obs,
	})
	h.ctrl.AddListener(ListenerFunc(func(ev StateChange) { h.changes <- ev }))
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// flush waits until every event posted so far has been handled.
func (c *Controller) flush() { c.call(func() {}) }

func (h *harness) state() State { return h.ctrl.Snapshot().State }

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	waitFor(t, s.String(), func() bool { return h.state() == s })
}

func (h *harness) tick(d time.Duration) {
	for d > 0 {
		step := time.Second
		if d < step {
			step = d
		}
		h.clock.advance(step)
		h.ctrl.flush()
		d -= step
	}
}

func (h *harness) startActive(t *testing.T) *mock.Conn {
	t.Helper()
	h.ctrl.Start()
	h.waitState(t, StateActive)
	conn := h.dialer.Last()
	if conn == nil {
		t.Fatalf("expected a dialed connection")
	}
	return conn
}

func TestCallLifecycleTimerAndSingleClose(t *testing.T) {
	h := newHarness(t)
	conn := h.startActive(t)

	snap := h.ctrl.Snapshot()
	if snap.Elapsed != 0 || snap.Error != "" || snap.CallID != "call-1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	h.tick(3 * time.Second)
	if got := h.ctrl.Snapshot().Elapsed; got != 3 {
		t.Fatalf("expected elapsed 3, got %d", got)
	}

	stream := h.devices.last()
	stream.feed <- []float32{0.1, 0.2, 0.3, 0.4}
	waitFor(t, "chunk sent", func() bool { return len(conn.Sent()) == 1 })
	if mime := conn.Sent()[0].MIMEType; mime != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected mime %q", mime)
	}

	h.ctrl.End()
	h.waitState(t, StateEnded)
	waitFor(t, "session close", func() bool { return conn.CloseCount() == 1 })
	if stream.stops.Load() != 1 {
		t.Fatalf("expected microphone stopped once, got %d", stream.stops.Load())
	}

	h.tick(time.Second)
	if h.state() != StateEnded || h.ctrl.Snapshot().Elapsed != 3 {
		t.Fatalf("expected frozen timer in Ended, got %+v", h.ctrl.Snapshot())
	}
	h.tick(500 * time.Millisecond)
	if h.state() != StateIdle {
		t.Fatalf("expected Idle after settle, got %s", h.state())
	}

	h.ctrl.End()
	h.ctrl.flush()
	time.Sleep(10 * time.Millisecond)
	if conn.CloseCount() != 1 || stream.stops.Load() != 1 {
		t.Fatalf("expected no extra teardown, closes=%d stops=%d", conn.CloseCount(), stream.stops.Load())
	}
	if h.obs.Count(metrics.EventCallEnd) != 1 {
		t.Fatalf("expected one call_end, got %d", h.obs.Count(metrics.EventCallEnd))
	}
	if ev, _ := h.obs.Last(metrics.EventCallEnd); ev.Value != 3 {
		t.Fatalf("expected call_end value 3, got %v", ev.Value)
	}
}

func TestMicrophoneDeniedReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.devices.err = errors.New("permission denied")
	h.ctrl.Start()
	waitFor(t, "error", func() bool { return h.ctrl.Snapshot().Error != "" })
	snap := h.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Error != MicrophoneError {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.ctrl.guard.Load() != nil || h.dialer.Dials() != 0 {
		t.Fatalf("expected no session after denial")
	}
	ev, ok := h.obs.Last(metrics.EventCallError)
	if !ok || ev.Fields["reason"] != string(errorsx.ReasonMediaAccessDenied) {
		t.Fatalf("expected media_access_denied error event, got %+v", ev)
	}

	h.devices.err = nil
	h.startActive(t)
	if h.ctrl.Snapshot().Error != "" {
		t.Fatalf("expected error cleared on start")
	}
}

func TestStartIsNoOpUnlessIdle(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)
	h.ctrl.Start()
	h.ctrl.flush()
	if h.dialer.Dials() != 1 {
		t.Fatalf("expected single dial, got %d", h.dialer.Dials())
	}
	h.ctrl.End()
	h.waitState(t, StateEnded)
	h.ctrl.Start()
	h.ctrl.flush()
	if h.state() != StateEnded || h.dialer.Dials() != 1 {
		t.Fatalf("expected start ignored while Ended")
	}
}

func TestRemoteCloseTearsDownOnce(t *testing.T) {
	h := newHarness(t)
	conn := h.startActive(t)
	conn.Hangup()
	h.waitState(t, StateEnded)
	waitFor(t, "close", func() bool { return conn.CloseCount() == 1 })
	h.ctrl.End()
	h.ctrl.flush()
	time.Sleep(10 * time.Millisecond)
	if conn.CloseCount() != 1 || h.devices.last().stops.Load() != 1 {
		t.Fatalf("expected single teardown")
	}
	if h.ctrl.Snapshot().Error != "" {
		t.Fatalf("expected no error on graceful remote close")
	}
}

func TestRemoteErrorSetsMessage(t *testing.T) {
	h := newHarness(t)
	conn := h.startActive(t)
	conn.Fail(nil)
	h.waitState(t, StateEnded)
	if h.ctrl.Snapshot().Error != ConnectionError {
		t.Fatalf("expected connection error, got %q", h.ctrl.Snapshot().Error)
	}
	waitFor(t, "close", func() bool { return conn.CloseCount() == 1 })
	h.tick(1500 * time.Millisecond)
	if h.state() != StateIdle {
		t.Fatalf("expected Idle after settle, got %s", h.state())
	}
	if h.ctrl.Snapshot().Error != ConnectionError {
		t.Fatalf("expected error to persist until next start")
	}
}

func (h *harness) expectTransitions(t *testing.T, want ...State) {
	t.Helper()
	for i, s := range want {
		select {
		case ev := <-h.changes:
			if ev.To != s {
				t.Fatalf("transition %d: expected %s got %s", i, s, ev.To)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing transition to %s", s)
		}
	}
}

func TestConnectRejectionReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.dialer.DialErr = errors.New("refused")
	h.ctrl.Start()
	h.expectTransitions(t, StateConnecting, StateIdle)
	h.ctrl.flush()
	if h.ctrl.Snapshot().Error != ConnectFailedError {
		t.Fatalf("expected connect failure message, got %q", h.ctrl.Snapshot().Error)
	}
	if h.devices.last().stops.Load() != 1 {
		t.Fatalf("expected microphone released")
	}
	if h.obs.Count(metrics.EventCallEnd) != 1 {
		t.Fatalf("expected one call_end, got %d", h.obs.Count(metrics.EventCallEnd))
	}

	// No settle delay: the toggle retries immediately.
	h.ctrl.ToggleCall()
	h.expectTransitions(t, StateConnecting, StateIdle)
	h.tick(1500 * time.Millisecond)
	select {
	case ev := <-h.changes:
		t.Fatalf("unexpected transition to %s after settle delay", ev.To)
	default:
	}
}

func TestEndWhileAcquiringReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.devices.block = true
	h.ctrl.Start()
	h.waitState(t, StateConnecting)
	h.ctrl.ToggleCall()
	h.waitState(t, StateIdle)
	if h.dialer.Dials() != 0 || h.ctrl.Snapshot().Error != "" {
		t.Fatalf("expected abandoned call without dial or error")
	}
}

func TestEndWhileConnectingClosesLateSession(t *testing.T) {
	h := newHarness(t)
	h.dialer.Gate = make(chan struct{})
	h.ctrl.Start()
	waitFor(t, "dial", func() bool { return h.dialer.Dials() == 1 })
	h.ctrl.End()
	h.waitState(t, StateEnded)
	close(h.dialer.Gate)
	h.ctrl.flush()
	time.Sleep(10 * time.Millisecond)
	if conn := h.dialer.Last(); conn != nil && conn.CloseCount() != 1 {
		t.Fatalf("expected late session closed, got %d", conn.CloseCount())
	}
	if h.state() != StateEnded {
		t.Fatalf("expected no Active after hangup, got %s", h.state())
	}
}

func TestListenerSeesFullCycle(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)
	h.ctrl.ToggleCall()
	h.waitState(t, StateEnded)
	h.tick(1500 * time.Millisecond)
	want := []State{StateConnecting, StateActive, StateEnded, StateIdle}
	for i, s := range want {
		select {
		case ev := <-h.changes:
			if ev.To != s {
				t.Fatalf("transition %d: expected %s got %s", i, s, ev.To)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transition to %s", s)
		}
	}
}

func TestConcurrentTeardownIsAtMostOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		conn := h.startActive(t)
		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); h.ctrl.End() }()
		go func() { defer wg.Done(); conn.Hangup() }()
		go func() { defer wg.Done(); conn.Fail(nil) }()
		go func() { defer wg.Done(); h.ctrl.End() }()
		wg.Wait()
		h.waitState(t, StateEnded)
		h.ctrl.flush()
		waitFor(t, "close", func() bool { return conn.CloseCount() == 1 })
		time.Sleep(5 * time.Millisecond)
		if conn.CloseCount() != 1 || h.devices.last().stops.Load() != 1 {
			t.Fatalf("iteration %d: closes=%d stops=%d", i, conn.CloseCount(), h.devices.last().stops.Load())
		}
		if h.obs.Count(metrics.EventCallEnd) != 1 {
			t.Fatalf("iteration %d: expected one call_end", i)
		}
		_ = h.ctrl.Close()
	}
}

func TestCloseDisposesActiveCall(t *testing.T) {
	h := newHarness(t)
	conn := h.startActive(t)
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.CloseCount() != 1 || h.devices.last().stops.Load() != 1 {
		t.Fatalf("expected disposal to release everything")
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Fatalf("expected Done closed")
	}
	h.ctrl.Start()
	if h.state() != StateEnded {
		t.Fatalf("expected start ignored after close, got %s", h.state())
	}
	_ = h.ctrl.Close()
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newStateMachine(time.Now)
	err := m.Transition(StateActive, "skip")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != StateIdle || ite.To != StateActive {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected state unchanged")
	}
}
