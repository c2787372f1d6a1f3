// Package capture runs the microphone chunk processor: it reads fixed-size
// chunks from an input stream and hands them to a sink in capture order.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/janvaani/pkg/logging"
	"github.com/harunnryd/janvaani/pkg/media"
)

const DefaultChunkSize = 4096

type Options struct {
	ChunkSize int
	OnChunk   func(chunk []float32)
	// OnError is called once if the stream fails while connected.
	OnError func(err error)
	Logger  *slog.Logger
}

// Pipeline is the source node and chunk processor attached to one stream.
type Pipeline struct {
	stream media.Stream
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	stop      chan struct{}
	done      chan struct{}

	closed atomic.Bool
	chunks atomic.Int64
}

func New(stream media.Stream, opts Options) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewComponentLogger(slog.Default(), "capture")
	}
	return &Pipeline{stream: stream, opts: opts, logger: logger}
}

// Connect starts delivering chunks. It is a no-op when already connected or
// closed.
func (p *Pipeline) Connect() {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return
	}
	p.connected = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.process(p.stop, p.done)
}

// Disconnect stops chunk delivery without waiting for the processor to exit.
func (p *Pipeline) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return
	}
	p.connected = false
	close(p.stop)
}

// Close disconnects and waits for the processor to finish. Closing twice is
// a no-op.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.Disconnect()
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	p.logger.Debug("capture_closed", slog.Int64("chunks", p.chunks.Load()))
}

func (p *Pipeline) Closed() bool { return p.closed.Load() }

// Chunks returns how many chunks were delivered.
func (p *Pipeline) Chunks() int64 { return p.chunks.Load() }

func (p *Pipeline) process(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		buf := make([]float32, p.opts.ChunkSize)
		if err := p.stream.Read(buf); err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if p.opts.OnError != nil {
				p.opts.OnError(err)
			}
			p.logger.Warn("capture_read_failed", slog.String("error", err.Error()))
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		p.chunks.Add(1)
		if p.opts.OnChunk != nil {
			p.opts.OnChunk(buf)
		}
	}
}
