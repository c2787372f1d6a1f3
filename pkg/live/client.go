// Package live manages one duplex voice session with the assistant: it opens
// the transport, streams microphone chunks out and schedules the assistant's
// speech for gapless playback.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/playback"
	"github.com/harunnryd/janvaani/pkg/resilience"
	"github.com/harunnryd/janvaani/pkg/transports"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Zephyr"

	DefaultSystemInstruction = "You are JanVaani, a friendly and helpful AI assistant for the people of India. " +
		"You can understand and speak all Indian languages fluently. " +
		"Your goal is to assist users with their queries in a natural, conversational manner. " +
		"Respond helpfully and concisely in the same language the user speaks."

	DefaultSendBuffer     = 64
	DefaultConnectTimeout = 15 * time.Second
)

// Callbacks receive session lifecycle notifications. They are invoked from
// transport goroutines and must not block.
type Callbacks struct {
	OnOpen  func()
	OnClose func()
	OnError func(err error)
}

type Options struct {
	Dialer    transports.Dialer
	Scheduler *playback.Scheduler
	// Setup is the template for every session; CallID is filled per Connect.
	Setup      transports.Setup
	OutputRate int
	SendBuffer int

	ConnectTimeout time.Duration
	Retry          resilience.RetryPolicy
	Breaker        *resilience.CircuitBreaker

	Observer metrics.Observer
	Logger   *slog.Logger
}

// Client opens live sessions. It holds no per-call state and may be reused.
type Client struct {
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options) *Client {
	if opts.Setup.Model == "" {
		opts.Setup.Model = DefaultModel
	}
	if opts.Setup.Voice == "" {
		opts.Setup.Voice = DefaultVoice
	}
	if opts.Setup.SystemInstruction == "" {
		opts.Setup.SystemInstruction = DefaultSystemInstruction
	}
	if opts.Setup.InputRate <= 0 {
		opts.Setup.InputRate = 16000
	}
	if opts.OutputRate <= 0 {
		opts.OutputRate = 24000
	}
	if opts.Setup.OutputRate <= 0 {
		opts.Setup.OutputRate = opts.OutputRate
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "live_client")
	}
	return &Client{opts: opts, logger: logger}
}

// Connect starts opening a session and returns immediately. The pending
// handle resolves after the handshake, just before OnOpen fires, or rejects
// with a connection_failure error. Setup failures are not reported through
// OnError.
func (c *Client) Connect(ctx context.Context, callID string, cb Callbacks) *Pending {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	p := &Pending{done: make(chan struct{}), cancel: cancel}
	go c.open(dialCtx, p, callID, cb)
	return p
}

func (c *Client) open(ctx context.Context, p *Pending, callID string, cb Callbacks) {
	defer p.cancel()
	logger := c.logger.With(slog.String("call_id", callID))
	setup := c.opts.Setup
	setup.CallID = callID

	started := time.Now()
	var conn transports.Conn
	retry := c.opts.Retry
	retry.Retryable = retryable
	err := retry.Do(ctx, func(ctx context.Context) error {
		if err := c.opts.Breaker.Guard(); err != nil {
			return err
		}
		cn, err := c.opts.Dialer.Dial(ctx, setup)
		if err != nil {
			c.opts.Breaker.OnError(err)
			logger.Warn("live_dial_failed", slog.String("error", err.Error()))
			return err
		}
		c.opts.Breaker.OnSuccess()
		conn = cn
		return nil
	})
	if err == nil && ctx.Err() != nil {
		_ = conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		p.reject(errorsx.ReasonedError{Err: fmt.Errorf("live: connect: %w", err), Reason: errorsx.ReasonConnection})
		logger.Warn("live_connect_rejected", slog.String("error", err.Error()))
		return
	}

	s := newSession(conn, c.opts, callID, cb, logger)
	if !p.resolve(s) {
		_ = s.Close()
		return
	}
	metrics.Emit(c.opts.Observer, metrics.EventConnectLatency, callID, float64(time.Since(started).Milliseconds()), map[string]any{"transport": c.opts.Dialer.Name()})
	logger.Info("live_session_opened", slog.String("transport", c.opts.Dialer.Name()), slog.String("model", setup.Model))
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	s.start()
}

// retryable keeps retrying transient dial failures and gives up on an open
// breaker or an expired deadline.
func retryable(err error) bool {
	if errorsx.HasReason(err, errorsx.ReasonCircuitOpen) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Pending is the handle for a session that may still be connecting.
type Pending struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	session   *Session
	err       error
	settled   bool
	cancelled bool
}

// Done is closed once the connection resolved or rejected.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the connection settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Session, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.err
}

// Session returns the resolved session without blocking, or nil.
func (p *Pending) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Cancel abandons an unsettled connection. A session that completes its
// handshake afterwards is closed without firing callbacks.
func (p *Pending) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

func (p *Pending) resolve(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	if p.cancelled {
		p.err = errorsx.New(errorsx.ReasonConnection, "live: connect cancelled")
		close(p.done)
		return false
	}
	p.session = s
	close(p.done)
	return true
}

func (p *Pending) reject(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.err = err
	close(p.done)
}
