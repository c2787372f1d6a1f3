// Package media acquires the microphone and drives the speaker.
package media

import "context"

// Constraints describe the capture format requested from the device.
type Constraints struct {
	SampleRate int
	ChunkSize  int
}

// Devices grants access to an audio input device.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live input device handle.
type Stream interface {
	// Read blocks until len(buf) samples were captured.
	Read(buf []float32) error
	// Stop releases every track of the stream. Calling it twice is a no-op.
	Stop() error
}
