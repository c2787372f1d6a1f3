// Package portaudio implements media devices on top of PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"
	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/media"
)

// Devices opens the default input device through PortAudio.
type Devices struct {
	DeviceName string
	logger     *slog.Logger
}

func NewDevices(deviceName string) *Devices {
	return &Devices{
		DeviceName: deviceName,
		logger:     logging.NewComponentLogger(slog.Default(), "media"),
	}
}

func (p *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.InputSampleRate
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if err := ctx.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonMediaAccessDenied)
	}
	if err := pa.Initialize(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("initialize audio: %w", err), errorsx.ReasonMediaAccessDenied)
	}
	dev, err := p.inputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, errorsx.Wrap(fmt.Errorf("no input device: %w", err), errorsx.ReasonMediaAccessDenied)
	}

	buf := make([]float32, c.ChunkSize)
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.ChunkSize

	st, err := pa.OpenStream(params, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, errorsx.Wrap(fmt.Errorf("open capture stream: %w", err), errorsx.ReasonMediaAccessDenied)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, errorsx.Wrap(fmt.Errorf("start capture: %w", err), errorsx.ReasonMediaAccessDenied)
	}
	p.logger.Debug("microphone_acquired",
		slog.String("device", dev.Name),
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("chunk_size", c.ChunkSize))
	return &micStream{stream: st, buf: buf}, nil
}

func (p *Devices) inputDevice() (*pa.DeviceInfo, error) {
	if p.DeviceName != "" {
		devices, err := pa.Devices()
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.Name == p.DeviceName && d.MaxInputChannels > 0 {
				return d, nil
			}
		}
		return nil, fmt.Errorf("input device %q not found", p.DeviceName)
	}
	return pa.DefaultInputDevice()
}

type micStream struct {
	mu      sync.Mutex
	stream  *pa.Stream
	buf     []float32
	once    sync.Once
	stopped bool
}

var errStreamStopped = errors.New("media stream stopped")

func (m *micStream) Read(buf []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errStreamStopped
	}
	if err := m.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return err
	}
	copy(buf, m.buf)
	return nil
}

func (m *micStream) Stop() error {
	var err error
	m.once.Do(func() {
		// Abort unblocks a pending Read before the lock is taken.
		err = m.stream.Abort()
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		err = errors.Join(err, m.stream.Close(), pa.Terminate())
	})
	return err
}

// Speaker plays the output of a render function on the default device.
type Speaker struct {
	stream *pa.Stream
	once   sync.Once
}

// OpenSpeaker starts a mono output stream at rate whose callback pulls
// samples from render.
func OpenSpeaker(rate int, render func(out []float32)) (*Speaker, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize audio: %w", err)
	}
	st, err := pa.OpenDefaultStream(0, 1, float64(rate), 0, func(out []float32) {
		render(out)
	})
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return &Speaker{stream: st}, nil
}

func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.stream.Stop(), s.stream.Close(), pa.Terminate())
	})
	return err
}

var _ media.Devices = (*Devices)(nil)
