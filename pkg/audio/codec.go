// Package audio converts between float samples and the 16-bit PCM envelope
// exchanged with the live session provider.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/harunnryd/janvaani/pkg/errorsx"
)

const (
	// InputSampleRate is the rate microphone chunks are captured and declared at.
	InputSampleRate = 16000
	// OutputSampleRate is the rate assistant speech is decoded at unless the
	// fragment declares otherwise.
	OutputSampleRate = 24000

	pcmMIMEPrefix = "audio/pcm;rate="
)

// Blob is the transmissible envelope of one encoded chunk.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// PCMMIMEType returns the mime descriptor for 16-bit mono PCM at rate.
func PCMMIMEType(rate int) string {
	return pcmMIMEPrefix + strconv.Itoa(rate)
}

// Encode converts samples in [-1, 1] into a 16 kHz PCM blob.
func Encode(samples []float32) Blob {
	return EncodeRate(samples, InputSampleRate)
}

// EncodeRate is Encode with an explicit declared sample rate.
func EncodeRate(samples []float32, rate int) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
		MIMEType: PCMMIMEType(rate),
	}
}

// FloatToPCM16 quantizes samples to little-endian int16 bytes.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodeBytes reverses the base64 layer of the envelope.
func DecodeBytes(text string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode audio payload: %w", err), errorsx.ReasonMalformedPayload)
	}
	return raw, nil
}

// DecodeAudioData interprets raw as interleaved int16 LE samples and lays
// them out into channel buffers at sampleRate.
func DecodeAudioData(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, errorsx.New(errorsx.ReasonInvalidAudioData, "invalid audio format: rate=%d channels=%d", sampleRate, channels)
	}
	frameBytes := 2 * channels
	if len(raw) == 0 || len(raw)%frameBytes != 0 {
		return nil, errorsx.New(errorsx.ReasonInvalidAudioData, "audio length %d is not a positive multiple of %d", len(raw), frameBytes)
	}
	frames := len(raw) / 2 / channels
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       make([][]float32, channels),
	}
	for ch := range buf.Data {
		buf.Data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(raw[off:]))
			buf.Data[ch][i] = float32(v) / 32768.0
		}
	}
	return buf, nil
}

// ParseMIMERate extracts the rate parameter of an audio/pcm mime type.
func ParseMIMERate(mime string) (int, bool) {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "rate") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

// Seconds estimates the audio duration carried by a 16-bit mono blob without
// decoding it. Blobs with no usable rate report 0.
func (b Blob) Seconds() float64 {
	rate, ok := ParseMIMERate(b.MIMEType)
	if !ok {
		return 0
	}
	n := len(b.Data) / 4 * 3
	n -= strings.Count(b.Data[max(0, len(b.Data)-2):], "=")
	if n <= 0 {
		return 0
	}
	return float64(n/2) / float64(rate)
}
