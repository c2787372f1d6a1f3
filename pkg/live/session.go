package live

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/frames"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/playback"
	"github.com/harunnryd/janvaani/pkg/transports"
)

// Session is an open duplex channel. Outbound chunks are queued and written
// by a single writer goroutine in enqueue order; inbound frames are handled
// by a single reader goroutine.
type Session struct {
	conn       transports.Conn
	callID     string
	cb         Callbacks
	scheduler  *playback.Scheduler
	outputRate int
	observer   metrics.Observer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan audio.Blob

	closeOnce  sync.Once
	notifyOnce sync.Once
	closing    atomic.Bool

	sent    atomic.Int64
	dropped atomic.Int64
}

func newSession(conn transports.Conn, opts Options, callID string, cb Callbacks, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:       conn,
		callID:     callID,
		cb:         cb,
		scheduler:  opts.Scheduler,
		outputRate: opts.OutputRate,
		observer:   opts.Observer,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan audio.Blob, opts.SendBuffer),
	}
}

func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}

// CallID returns the call this session belongs to.
func (s *Session) CallID() string { return s.callID }

// SendRealtimeInput queues one encoded microphone chunk. It never blocks: a
// chunk is dropped when the queue is full or the session is closing. It
// reports whether the chunk was queued.
func (s *Session) SendRealtimeInput(blob audio.Blob) bool {
	if s.closing.Load() {
		return false
	}
	select {
	case s.sendCh <- blob:
		return true
	default:
		s.dropped.Add(1)
		metrics.Emit(s.observer, metrics.EventChunkDropped, s.callID, 1, map[string]any{"reason": "queue_full"})
		return false
	}
}

// Sent and Dropped count outbound chunks.
func (s *Session) Sent() int64    { return s.sent.Load() }
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Close terminates the session gracefully. Only the first call reaches the
// transport; later calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		if cerr := s.conn.Close(); cerr != nil {
			err = errorsx.Wrap(cerr, errorsx.ReasonCloseFailure)
		}
		s.logger.Info("live_session_closing",
			slog.Int64("chunks_sent", s.sent.Load()),
			slog.Int64("chunks_dropped", s.dropped.Load()),
		)
	})
	return err
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case blob := <-s.sendCh:
			if err := s.conn.Send(s.ctx, blob); err != nil {
				if s.closing.Load() {
					return
				}
				s.dropped.Add(1)
				metrics.Emit(s.observer, metrics.EventChunkDropped, s.callID, 1, map[string]any{"reason": "send_failed"})
				s.logger.Debug("live_send_failed", slog.String("error", err.Error()))
				continue
			}
			s.sent.Add(1)
			metrics.Emit(s.observer, metrics.EventChunkSent, s.callID, blob.Seconds(), nil)
		}
	}
}

func (s *Session) readLoop() {
	for f := range s.conn.Recv() {
		s.handle(f)
	}
	if err := s.conn.Err(); err != nil && !s.closing.Load() {
		err = errorsx.Wrap(err, errorsx.ReasonTransport)
		s.logger.Warn("live_session_error", slog.String("error", err.Error()))
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	}
	s.notifyClosed()
}

func (s *Session) notifyClosed() {
	s.notifyOnce.Do(func() {
		s.cancel()
		s.logger.Info("live_session_closed")
		if s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	})
}

func (s *Session) handle(f frames.Frame) {
	switch v := f.(type) {
	case frames.AudioFrame:
		s.playAudio(v)
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlStartInterruption:
			n := 0
			if s.scheduler != nil {
				n = s.scheduler.Interrupt()
			}
			s.logger.Info("live_playback_interrupted", slog.Int("stopped", n))
			metrics.Emit(s.observer, metrics.EventInterrupted, s.callID, float64(n), nil)
		case frames.ControlTurnComplete:
			metrics.Emit(s.observer, metrics.EventTurnComplete, s.callID, 0, nil)
		}
	case frames.SystemFrame:
		if v.Name() == frames.SystemUsage {
			meta := v.Meta()
			metrics.Emit(s.observer, metrics.EventUsage, s.callID, 0, map[string]any{
				"prompt_tokens":   atoi(meta[frames.MetaPromptTokens]),
				"response_tokens": atoi(meta[frames.MetaResponseTokens]),
				"total_tokens":    atoi(meta[frames.MetaTotalTokens]),
			})
		}
	}
}

// playAudio decodes one fragment and queues it behind everything already
// scheduled. Undecodable fragments are dropped.
func (s *Session) playAudio(f frames.AudioFrame) {
	if s.closing.Load() || s.scheduler == nil {
		return
	}
	rate := s.outputRate
	if r, ok := audio.ParseMIMERate(f.MIME()); ok {
		rate = r
	}
	raw, err := audio.DecodeBytes(f.Payload())
	if err == nil {
		var buf *audio.Buffer
		buf, err = audio.DecodeAudioData(raw, rate, 1)
		if err == nil {
			src := s.scheduler.Schedule(buf)
			metrics.Emit(s.observer, metrics.EventAudioScheduled, s.callID, src.Duration(), map[string]any{"start": src.Start()})
			return
		}
	}
	s.logger.Warn("live_audio_dropped",
		slog.String("error", err.Error()),
		slog.String("reason", string(errorsx.Reason(err))),
	)
	metrics.Emit(s.observer, metrics.EventAudioDropped, s.callID, 1, map[string]any{"reason": string(errorsx.Reason(err))})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
