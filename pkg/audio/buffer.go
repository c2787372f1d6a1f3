package audio

import "math"

// Buffer is decoded, playable audio.
type Buffer struct {
	SampleRate int
	Channels   int
	Data       [][]float32
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Channel returns the samples of channel i, or nil when out of range.
func (b *Buffer) Channel(i int) []float32 {
	if b == nil || i < 0 || i >= len(b.Data) {
		return nil
	}
	return b.Data[i]
}

// Level returns the RMS level of samples.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
