package transports

import (
	"context"

	"github.com/harunnryd/janvaani/pkg/audio"
	"github.com/harunnryd/janvaani/pkg/frames"
)

// Setup is the session configuration sent when a connection opens.
type Setup struct {
	CallID            string
	Model             string
	Voice             string
	SystemInstruction string
	InputRate         int
	OutputRate        int
}

// Dialer opens duplex audio sessions against a remote assistant.
// Dial returns once the provider handshake has completed.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, setup Setup) (Conn, error)
}

// Conn is one open duplex session. Implementations must allow Send to be
// called concurrently with Recv consumption, and Close to be called from any
// goroutine any number of times.
type Conn interface {
	// Send transmits one encoded microphone chunk.
	Send(ctx context.Context, blob audio.Blob) error
	// Recv delivers inbound audio, control and system frames. The channel is
	// closed when the session ends.
	Recv() <-chan frames.Frame
	// Err reports why Recv was closed: nil for a graceful close.
	Err() error
	Close() error
}

// ReadyReporter allows transports to expose connection metadata.
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
