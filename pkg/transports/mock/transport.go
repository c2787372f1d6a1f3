// Package mock provides an in-memory transport for tests and offline runs.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/frames"
	"github.com/harunnryd/janvaani/pkg/transports"
)

// Dialer hands out scripted connections. A nil Gate dials immediately; a
// non-nil Gate holds every Dial until it is closed or the context ends.
type Dialer struct {
	DialErr error
	Gate    chan struct{}
	// Echo loops every sent blob back as an inbound audio frame.
	Echo bool

	mu     sync.Mutex
	conns  []*Conn
	setups []transports.Setup
	dials  atomic.Int32
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Name() string { return "mock" }

func (d *Dialer) Dial(ctx context.Context, setup transports.Setup) (transports.Conn, error) {
	d.dials.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonConnection)
		}
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := NewConn(setup.CallID)
	c.echo = d.Echo
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.setups = append(d.setups, setup)
	d.mu.Unlock()
	return c, nil
}

// Dials counts Dial calls, including failed ones.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) Setups() []transports.Setup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transports.Setup(nil), d.setups...)
}

// Conn is a scripted duplex session.
type Conn struct {
	callID string
	pts    *frames.PTSGen
	echo   bool

	mu     sync.Mutex
	recvCh chan frames.Frame
	ended  bool
	err    error
	sent   []audio.Blob

	closes atomic.Int32
}

func NewConn(callID string) *Conn {
	return &Conn{
		callID: callID,
		pts:    frames.NewPTSGen(),
		recvCh: make(chan frames.Frame, 256),
	}
}

func (c *Conn) Send(ctx context.Context, blob audio.Blob) error {
	if err := ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonTransportSend, "mock: connection closed")
	}
	c.sent = append(c.sent, blob)
	c.mu.Unlock()
	if c.echo {
		c.PushAudio(blob.Data, blob.MIMEType)
	}
	return nil
}

func (c *Conn) Recv() <-chan frames.Frame { return c.recvCh }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close counts every call; only the first ends the session.
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.finish(nil)
	return nil
}

// Push injects an inbound frame. It reports false once the session ended or
// the receive buffer is full.
func (c *Conn) Push(f frames.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.recvCh <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) PushAudio(payload, mime string) bool {
	return c.Push(frames.NewAudioFrame(c.callID, c.pts.Next(c.callID), payload, mime, map[string]string{frames.MetaSource: "mock"}))
}

func (c *Conn) PushControl(code frames.ControlCode) bool {
	return c.Push(frames.NewControlFrame(c.callID, c.pts.Next(c.callID), code, map[string]string{frames.MetaSource: "mock"}))
}

// Hangup simulates a graceful remote close.
func (c *Conn) Hangup() { c.finish(nil) }

// Fail simulates a transport failure followed by the socket closing.
func (c *Conn) Fail(err error) {
	if err == nil {
		err = errorsx.New(errorsx.ReasonTransport, "mock: transport failure")
	}
	c.finish(err)
}

func (c *Conn) Sent() []audio.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Blob(nil), c.sent...)
}

func (c *Conn) CloseCount() int { return int(c.closes.Load()) }

func (c *Conn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.recvCh)
}

var _ transports.Dialer = (*Dialer)(nil)
var _ transports.Conn = (*Conn)(nil)
