package live

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/frames"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/playback"
	"github.com/harunnryd/janvaani/pkg/resilience"
	"github.com/harunnryd/janvaani/pkg/transports"
	"github.com/harunnryd/janvaani/pkg/transports/mock"
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recorder struct {
	opens  atomic.Int32
	closes atomic.Int32
	errs   atomic.Int32

	mu      sync.Mutex
	lastErr error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:  func() { r.opens.Add(1) },
		OnClose: func() { r.closes.Add(1) },
		OnError: func(err error) {
			r.mu.Lock()
			r.lastErr = err
			r.mu.Unlock()
			r.errs.Add(1)
		},
	}
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

func newTestClient(d transports.Dialer, sched *playback.Scheduler, obs metrics.Observer) *Client {
	return NewClient(Options{
		Dialer:     d,
		Scheduler:  sched,
		OutputRate: 24000,
		Observer:   obs,
	})
}

func connect(t *testing.T, c *Client, r *recorder) *Session {
	t.Helper()
	p := c.Connect(context.Background(), "call-1", r.callbacks())
	s, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "open", func() bool { return r.opens.Load() == 1 })
	return s
}

func pcmFrames(n int) string {
	return audio.EncodeRate(make([]float32, n), 24000).Data
}

func TestConnectSendsSetupAndChunksInOrder(t *testing.T) {
	d := mock.NewDialer()
	r := &recorder{}
	s := connect(t, newTestClient(d, nil, nil), r)

	setups := d.Setups()
	if len(setups) != 1 || setups[0].CallID != "call-1" || setups[0].Model != DefaultModel || setups[0].Voice != DefaultVoice {
		t.Fatalf("unexpected setup %+v", setups)
	}
	if setups[0].SystemInstruction != DefaultSystemInstruction {
		t.Fatalf("expected default system instruction")
	}

	var want []audio.Blob
	for i := 0; i < 5; i++ {
		b := audio.Encode([]float32{float32(i) / 10})
		want = append(want, b)
		if !s.SendRealtimeInput(b) {
			t.Fatalf("chunk %d not queued", i)
		}
	}
	conn := d.Last()
	waitFor(t, "chunks", func() bool { return len(conn.Sent()) == len(want) })
	for i, b := range conn.Sent() {
		if b != want[i] {
			t.Fatalf("chunk %d out of order", i)
		}
	}
	if s.Sent() != 5 {
		t.Fatalf("expected 5 sent, got %d", s.Sent())
	}
}

func TestInboundAudioIsScheduledGapless(t *testing.T) {
	clock := &fakeClock{now: 1}
	sched := playback.NewScheduler(clock, nil)
	d := mock.NewDialer()
	obs := metrics.NewMemoryObserver()
	r := &recorder{}
	connect(t, newTestClient(d, sched, obs), r)
	conn := d.Last()

	conn.PushAudio(pcmFrames(2400), "audio/pcm;rate=24000")
	conn.PushAudio("%%%not-base64", "audio/pcm;rate=24000")
	conn.PushAudio(pcmFrames(4800), "audio/pcm;rate=24000")
	conn.PushAudio(pcmFrames(1600), "audio/pcm;rate=16000")
	waitFor(t, "scheduled audio", func() bool { return obs.Count(metrics.EventAudioScheduled) == 3 })

	if got := sched.NextStartTime(); math.Abs(got-1.4) > 1e-9 {
		t.Fatalf("expected watermark 1.4, got %v", got)
	}
	if obs.Count(metrics.EventAudioDropped) != 1 {
		t.Fatalf("expected malformed fragment dropped")
	}
	var starts []float64
	for _, ev := range obs.Events() {
		if ev.Name == metrics.EventAudioScheduled {
			starts = append(starts, ev.Fields["start"].(float64))
		}
	}
	for i, want := range []float64{1, 1.1, 1.3} {
		if math.Abs(starts[i]-want) > 1e-9 {
			t.Fatalf("start %d: expected %v got %v", i, want, starts[i])
		}
	}

	conn.PushControl(frames.ControlStartInterruption)
	waitFor(t, "interruption", func() bool { return obs.Count(metrics.EventInterrupted) == 1 })
	if sched.Pending() != 0 || sched.NextStartTime() != 0 {
		t.Fatalf("expected interruption to clear playback, pending=%d next=%v", sched.Pending(), sched.NextStartTime())
	}
	if ev, _ := obs.Last(metrics.EventInterrupted); ev.Value != 3 {
		t.Fatalf("expected 3 sources stopped, got %v", ev.Value)
	}
}

func TestRemoteErrorThenClose(t *testing.T) {
	d := mock.NewDialer()
	r := &recorder{}
	s := connect(t, newTestClient(d, nil, nil), r)
	d.Last().Fail(nil)
	waitFor(t, "close", func() bool { return r.closes.Load() == 1 })
	if r.errs.Load() != 1 {
		t.Fatalf("expected one error, got %d", r.errs.Load())
	}
	r.mu.Lock()
	err := r.lastErr
	r.mu.Unlock()
	if !errors.Is(err, errorsx.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if d.Last().CloseCount() != 1 {
		t.Fatalf("expected transport closed once, got %d", d.Last().CloseCount())
	}
	if s.SendRealtimeInput(audio.Encode([]float32{0})) {
		t.Fatalf("expected send after close to be refused")
	}
}

func TestLocalCloseNotifiesOnce(t *testing.T) {
	d := mock.NewDialer()
	r := &recorder{}
	s := connect(t, newTestClient(d, nil, nil), r)
	_ = s.Close()
	waitFor(t, "close", func() bool { return r.closes.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	if r.closes.Load() != 1 || r.errs.Load() != 0 {
		t.Fatalf("expected single close and no error, got closes=%d errs=%d", r.closes.Load(), r.errs.Load())
	}
}

func TestDialFailureRejectsWithoutCallbacks(t *testing.T) {
	d := mock.NewDialer()
	d.DialErr = errors.New("refused")
	r := &recorder{}
	p := newTestClient(d, nil, nil).Connect(context.Background(), "call-1", r.callbacks())
	s, err := p.Wait(context.Background())
	if s != nil || !errors.Is(err, errorsx.ErrConnection) {
		t.Fatalf("expected connection failure, got %v %v", s, err)
	}
	if r.opens.Load() != 0 || r.errs.Load() != 0 || r.closes.Load() != 0 {
		t.Fatalf("expected no callbacks on setup failure")
	}
}

type flakyDialer struct {
	*mock.Dialer
	failures atomic.Int32
}

func (f *flakyDialer) Dial(ctx context.Context, setup transports.Setup) (transports.Conn, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, resilience.RateLimitError{Provider: "test"}
	}
	return f.Dialer.Dial(ctx, setup)
}

func TestRetryAndBreaker(t *testing.T) {
	fd := &flakyDialer{Dialer: mock.NewDialer()}
	fd.failures.Store(2)
	c := NewClient(Options{Dialer: fd, Retry: resilience.RetryPolicy{MaxRetries: 2}})
	if _, err := c.Connect(context.Background(), "c1", Callbacks{}).Wait(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	fd2 := &flakyDialer{Dialer: mock.NewDialer()}
	fd2.failures.Store(100)
	breaker := resilience.NewCircuitBreaker(2, time.Minute)
	c2 := NewClient(Options{Dialer: fd2, Retry: resilience.RetryPolicy{MaxRetries: 5}, Breaker: breaker})
	_, err := c2.Connect(context.Background(), "c2", Callbacks{}).Wait(context.Background())
	if !errors.Is(err, errorsx.ErrConnection) || !errors.Is(err, errorsx.ErrCircuitOpen) {
		t.Fatalf("expected connection failure caused by open circuit, got %v", err)
	}
	if got := 100 - fd2.failures.Load(); got != 2 {
		t.Fatalf("expected breaker to stop after 2 dials, got %d", got)
	}
}

func TestCancelWhileConnecting(t *testing.T) {
	d := mock.NewDialer()
	d.Gate = make(chan struct{})
	r := &recorder{}
	p := newTestClient(d, nil, nil).Connect(context.Background(), "c1", r.callbacks())
	p.Cancel()
	s, err := p.Wait(context.Background())
	if s != nil || !errors.Is(err, errorsx.ErrConnection) {
		t.Fatalf("expected cancelled connect to reject, got %v %v", s, err)
	}
	if r.opens.Load() != 0 {
		t.Fatalf("expected no open after cancel")
	}
}

func TestConnectTimeout(t *testing.T) {
	d := mock.NewDialer()
	d.Gate = make(chan struct{})
	c := NewClient(Options{Dialer: d, ConnectTimeout: 20 * time.Millisecond})
	_, err := c.Connect(context.Background(), "c1", Callbacks{}).Wait(context.Background())
	if !errors.Is(err, errorsx.ErrConnection) {
		t.Fatalf("expected timeout to reject with connection failure, got %v", err)
	}
}

type blockingConn struct {
	*mock.Conn
	release chan struct{}
}

func (b blockingConn) Send(ctx context.Context, blob audio.Blob) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Conn.Send(ctx, blob)
}

type blockingDialer struct {
	release chan struct{}
}

func (blockingDialer) Name() string { return "blocking" }

func (b blockingDialer) Dial(_ context.Context, setup transports.Setup) (transports.Conn, error) {
	return blockingConn{Conn: mock.NewConn(setup.CallID), release: b.release}, nil
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	obs := metrics.NewMemoryObserver()
	c := NewClient(Options{Dialer: blockingDialer{release: release}, SendBuffer: 1, Observer: obs})
	s, err := c.Connect(context.Background(), "c1", Callbacks{}).Wait(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	queued := 0
	for i := 0; i < 3; i++ {
		if s.SendRealtimeInput(audio.Encode([]float32{0})) {
			queued++
		}
	}
	if queued == 3 || s.Dropped() == 0 || obs.Count(metrics.EventChunkDropped) == 0 {
		t.Fatalf("expected a dropped chunk, queued=%d dropped=%d", queued, s.Dropped())
	}
	close(release)
	_ = s.Close()
}
