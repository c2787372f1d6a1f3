// Package gemini speaks the Gemini Live BidiGenerateContent protocol over a
// raw WebSocket.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/frames"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/redact"
	"github.com/harunnryd/janvaani/pkg/resilience"
	"github.com/harunnryd/janvaani/pkg/transports"
)

const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type Config struct {
	Endpoint           string `mapstructure:"endpoint"`
	APIKey             string `mapstructure:"api_key"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	WriteTimeoutMS     int    `mapstructure:"write_timeout_ms"`
	RecvBuffer         int    `mapstructure:"recv_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.HandshakeTimeoutMS <= 0 {
		c.HandshakeTimeoutMS = 10000
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 5000
	}
	if c.RecvBuffer <= 0 {
		c.RecvBuffer = 256
	}
	return c
}

type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	pts    *frames.PTSGen
	logger *slog.Logger
}

func New(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
			ReadBufferSize:   16384,
			WriteBufferSize:  16384,
		},
		pts:    frames.NewPTSGen(),
		logger: logging.NewComponentLogger(slog.Default(), "gemini_transport"),
	}
}

func (d *Dialer) Name() string { return "gemini" }

func (d *Dialer) ReadyFields() map[string]any {
	return map[string]any{"endpoint": d.cfg.Endpoint}
}

func (d *Dialer) Dial(ctx context.Context, setup transports.Setup) (transports.Conn, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errorsx.New(errorsx.ReasonConnection, "gemini: api key is required")
	}
	endpoint, err := d.endpointURL()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnection)
	}
	ws, resp, err := d.ws.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: "gemini: handshake rate limited"}, errorsx.ReasonRateLimit)
		}
		return nil, errorsx.Wrap(fmt.Errorf("gemini: dial: %w", redact.Error(err)), errorsx.ReasonConnection)
	}

	c := &conn{
		ws:           ws,
		callID:       setup.CallID,
		out:          make(chan frames.Frame, d.cfg.RecvBuffer),
		closed:       make(chan struct{}),
		writeTimeout: time.Duration(d.cfg.WriteTimeoutMS) * time.Millisecond,
		pts:          d.pts,
		logger:       d.logger.With(slog.String("call_id", setup.CallID)),
	}
	if err := c.handshake(ctx, setup); err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("gemini: setup: %w", err), errorsx.ReasonConnection)
	}
	go c.readLoop()
	c.logger.Info("gemini_session_ready", slog.String("model", modelName(setup.Model)))
	return c, nil
}

func (d *Dialer) endpointURL() (string, error) {
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("gemini: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", d.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func modelName(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func buildSetup(setup transports.Setup) clientSetup {
	msg := clientSetup{Setup: setupBody{
		Model: modelName(setup.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	if setup.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: setup.Voice}},
		}
	}
	if strings.TrimSpace(setup.SystemInstruction) != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: setup.SystemInstruction}}}
	}
	return msg
}

type conn struct {
	ws           *websocket.Conn
	callID       string
	out          chan frames.Frame
	writeTimeout time.Duration
	pts          *frames.PTSGen
	logger       *slog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	errMu sync.Mutex
	err   error
}

func (c *conn) handshake(ctx context.Context, setup transports.Setup) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}
	if err := c.writeJSON(buildSetup(setup)); err != nil {
		return err
	}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if nerr := normalizeReadErr(err); nerr != nil {
				return nerr
			}
			return errors.New("connection closed before setup completed")
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (c *conn) Send(ctx context.Context, blob audio.Blob) error {
	if c.closing.Load() {
		return errorsx.New(errorsx.ReasonTransportSend, "gemini: connection closed")
	}
	if err := ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []audio.Blob{blob}}}
	return errorsx.Wrap(c.writeJSON(msg), errorsx.ReasonTransportSend)
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) Recv() <-chan frames.Frame { return c.out }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
		close(c.closed)
	})
	return c.closeErr
}

func (c *conn) readLoop() {
	defer close(c.out)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.setErr(normalizeReadErr(err))
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("gemini_message_invalid", slog.String("error", err.Error()))
			continue
		}
		for _, f := range c.framesFor(msg) {
			select {
			case c.out <- f:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *conn) framesFor(msg serverMessage) []frames.Frame {
	var out []frames.Frame
	meta := map[string]string{frames.MetaSource: "gemini"}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				out = append(out, frames.NewAudioFrame(c.callID, c.pts.Next(c.callID), p.InlineData.Data, p.InlineData.MIMEType, meta))
			}
		}
		if sc.Interrupted {
			out = append(out, frames.NewControlFrame(c.callID, c.pts.Next(c.callID), frames.ControlStartInterruption, meta))
		}
		if sc.TurnComplete {
			out = append(out, frames.NewControlFrame(c.callID, c.pts.Next(c.callID), frames.ControlTurnComplete, meta))
		}
	}
	if u := msg.UsageMetadata; u != nil {
		out = append(out, frames.NewSystemFrame(c.callID, c.pts.Next(c.callID), frames.SystemUsage, map[string]string{
			frames.MetaSource:         "gemini",
			frames.MetaPromptTokens:   strconv.Itoa(u.PromptTokenCount),
			frames.MetaResponseTokens: strconv.Itoa(u.ResponseTokenCount),
			frames.MetaTotalTokens:    strconv.Itoa(u.TotalTokenCount),
		}))
	}
	if msg.GoAway != nil {
		c.logger.Warn("gemini_go_away", slog.String("time_left", msg.GoAway.TimeLeft))
	}
	return out
}

func (c *conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.logger.Warn("gemini_session_error", slog.String("error", err.Error()))
}

// normalizeReadErr maps graceful closes to nil and everything else to a
// transport error carrying the close code and reason when present.
func normalizeReadErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return nil
		}
		msg := ce.Text
		if msg == "" {
			msg = "connection closed"
		}
		return errorsx.New(errorsx.ReasonTransport, "gemini: %s (code %d)", msg, ce.Code)
	}
	return errorsx.Wrap(fmt.Errorf("gemini: %s", redact.Text(err.Error())), errorsx.ReasonTransport)
}

var (
	_ transports.Dialer        = (*Dialer)(nil)
	_ transports.ReadyReporter = (*Dialer)(nil)
)
