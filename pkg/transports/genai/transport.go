// Package genai opens Gemini Live sessions through the official Go SDK.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/frames"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/redact"
	"github.com/harunnryd/janvaani/pkg/transports"
	sdk "google.golang.org/genai"
)

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	RecvBuffer int    `mapstructure:"recv_buffer"`
}

type Dialer struct {
	cfg    Config
	pts    *frames.PTSGen
	logger *slog.Logger

	mu     sync.Mutex
	client *sdk.Client
}

func New(cfg Config) *Dialer {
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 256
	}
	return &Dialer{
		cfg:    cfg,
		pts:    frames.NewPTSGen(),
		logger: logging.NewComponentLogger(slog.Default(), "genai_transport"),
	}
}

func (d *Dialer) Name() string { return "genai" }

func (d *Dialer) sdkClient(ctx context.Context) (*sdk.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errors.New("genai: api key is required")
	}
	client, err := sdk.NewClient(ctx, &sdk.ClientConfig{
		APIKey:  d.cfg.APIKey,
		Backend: sdk.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: client: %w", err)
	}
	d.client = client
	return client, nil
}

func (d *Dialer) Dial(ctx context.Context, setup transports.Setup) (transports.Conn, error) {
	client, err := d.sdkClient(ctx)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnection)
	}
	cfg := &sdk.LiveConnectConfig{
		ResponseModalities: []sdk.Modality{sdk.ModalityAudio},
	}
	if setup.Voice != "" {
		cfg.SpeechConfig = &sdk.SpeechConfig{
			VoiceConfig: &sdk.VoiceConfig{
				PrebuiltVoiceConfig: &sdk.PrebuiltVoiceConfig{VoiceName: setup.Voice},
			},
		}
	}
	if strings.TrimSpace(setup.SystemInstruction) != "" {
		cfg.SystemInstruction = sdk.NewContentFromText(setup.SystemInstruction, sdk.RoleUser)
	}
	session, err := client.Live.Connect(ctx, setup.Model, cfg)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("genai: connect: %w", redact.Error(err)), errorsx.ReasonConnection)
	}
	c := &conn{
		session: session,
		callID:  setup.CallID,
		out:     make(chan frames.Frame, d.cfg.RecvBuffer),
		closed:  make(chan struct{}),
		pts:     d.pts,
		logger:  d.logger.With(slog.String("call_id", setup.CallID)),
	}
	go c.readLoop()
	c.logger.Info("genai_session_ready", slog.String("model", setup.Model))
	return c, nil
}

type conn struct {
	session *sdk.Session
	callID  string
	out     chan frames.Frame
	pts     *frames.PTSGen
	logger  *slog.Logger

	sendMu    sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	errMu sync.Mutex
	err   error
}

func (c *conn) Send(ctx context.Context, blob audio.Blob) error {
	if c.closing.Load() {
		return errorsx.New(errorsx.ReasonTransportSend, "genai: connection closed")
	}
	if err := ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	raw, err := audio.DecodeBytes(blob.Data)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err = c.session.SendRealtimeInput(sdk.LiveRealtimeInput{
		Audio: &sdk.Blob{Data: raw, MIMEType: blob.MIMEType},
	})
	return errorsx.Wrap(err, errorsx.ReasonTransportSend)
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
		c.closeErr = c.session.Close()
		close(c.closed)
	})
	return c.closeErr
}

func (c *conn) readLoop() {
	defer close(c.out)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if !c.closing.Load() {
				if nerr := normalizeErr(err); nerr != nil {
					c.errMu.Lock()
					c.err = nerr
					c.errMu.Unlock()
					c.logger.Warn("genai_session_error", slog.String("error", nerr.Error()))
				}
			}
			return
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

func (c *conn) framesFor(msg *sdk.LiveServerMessage) []frames.Frame {
	if msg == nil {
		return nil
	}
	var out []frames.Frame
	meta := map[string]string{frames.MetaSource: "genai"}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				payload := base64.StdEncoding.EncodeToString(p.InlineData.Data)
				out = append(out, frames.NewAudioFrame(c.callID, c.pts.Next(c.callID), payload, p.InlineData.MIMEType, meta))
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
			frames.MetaSource:         "genai",
			frames.MetaPromptTokens:   strconv.FormatInt(int64(u.PromptTokenCount), 10),
			frames.MetaResponseTokens: strconv.FormatInt(int64(u.ResponseTokenCount), 10),
			frames.MetaTotalTokens:    strconv.FormatInt(int64(u.TotalTokenCount), 10),
		}))
	}
	return out
}

func normalizeErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
			return nil
		}
		return errorsx.New(errorsx.ReasonTransport, "genai: %s (code %d)", ce.Text, ce.Code)
	}
	return errorsx.Wrap(fmt.Errorf("genai: %s", redact.Text(err.Error())), errorsx.ReasonTransport)
}

var _ transports.Dialer = (*Dialer)(nil)
