package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the capture rate sent upstream.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized audio coming back.
	OutputSampleRate = 24000
)

// PCMMimeType returns the MIME descriptor for raw PCM16LE at rate.
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Blob is an inline media payload as exchanged with streaming providers.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Buffer is decoded, planar float PCM at a fixed sample rate.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the number of sample frames per channel.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Seconds returns the playback length in seconds.
func (b Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Duration is Seconds as a time.Duration.
func (b Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// Mono returns the first channel, or nil.
func (b Buffer) Mono() []float32 {
	if len(b.Channels) == 0 {
		return nil
	}
	return b.Channels[0]
}

func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Float32ToPCM16 converts float samples in [-1,1] to little-endian PCM16.
// Out-of-range samples are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat32 converts little-endian PCM16 bytes to float samples. A
// trailing odd byte is ignored.
func PCM16ToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Int16ToFloat32 converts decoded integer samples to floats.
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v) / 32768
	}
	return out
}

// Float32ToInt16 converts float samples to integers, clamping.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = floatToInt16(s)
	}
	return out
}

// EncodePCMBlob packs one capture window as a base64 PCM16 blob.
func EncodePCMBlob(samples []float32, rate int) Blob {
	return Blob{MimeType: PCMMimeType(rate), Data: EncodeBase64(Float32ToPCM16(samples))}
}

// DecodePCM interprets interleaved PCM16LE as a playable buffer at a fixed
// sample rate.
func DecodePCM(data []byte, sampleRate, channels int) Buffer {
	if channels < 1 {
		channels = 1
	}
	samples := PCM16ToFloat32(data)
	frames := len(samples) / channels
	buf := Buffer{Channels: make([][]float32, channels), SampleRate: sampleRate}
	for c := 0; c < channels; c++ {
		ch := make([]float32, frames)
		for i := 0; i < frames; i++ {
			ch[i] = samples[i*channels+c]
		}
		buf.Channels[c] = ch
	}
	return buf
}

// DecodeBlob decodes a base64 PCM payload into a mono buffer.
func DecodeBlob(data string, sampleRate int) (Buffer, error) {
	raw, err := DecodeBase64(data)
	if err != nil {
		return Buffer{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return DecodePCM(raw, sampleRate, 1), nil
}

// RMS returns the root-mean-square energy of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
