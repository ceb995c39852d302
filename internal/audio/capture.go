package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// FrameSize is the number of samples per outgoing capture window.
const FrameSize = 4096

var ErrTrackStopped = errors.New("audio track stopped")

// DeviceInfo describes an audio input. The list may be empty before the
// platform has granted access.
type DeviceInfo struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

// Constraints describe a capture request. A non-empty DeviceID must match
// exactly; backends must not silently fall back to another device.
type Constraints struct {
	DeviceID         string
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VoiceConstraints returns the processing hints used for speech capture.
func VoiceConstraints(deviceID string, rate int) Constraints {
	return Constraints{
		DeviceID:         deviceID,
		SampleRate:       rate,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Track is one granted capture stream of mono float samples.
type Track interface {
	// Read blocks until samples are available. It returns ErrTrackStopped
	// (or io.EOF) once Stop has been called.
	Read(dst []float32) (int, error)
	Stop() error
	DeviceID() string
}

// Capture acquires input devices.
type Capture interface {
	Open(ctx context.Context, c Constraints) (Track, error)
	Devices(ctx context.Context) ([]DeviceInfo, error)
}

// Framer reads a track into fixed-size windows and hands each to onFrame on
// its own goroutine, in capture order.
type Framer struct {
	track   Track
	size    int
	onFrame func([]float32)
	onEnd   func(error)
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// StartFramer begins framing. onEnd, if set, is called once when reading
// stops for a reason other than Stop.
func StartFramer(track Track, size int, onFrame func([]float32), onEnd func(error)) *Framer {
	if size <= 0 {
		size = FrameSize
	}
	f := &Framer{track: track, size: size, onFrame: onFrame, onEnd: onEnd, done: make(chan struct{})}
	go f.loop()
	return f
}

func (f *Framer) loop() {
	defer close(f.done)
	window := make([]float32, f.size)
	filled := 0
	for {
		n, err := f.track.Read(window[filled:])
		filled += n
		if filled == f.size {
			if f.stopped.Load() {
				return
			}
			out := make([]float32, f.size)
			copy(out, window)
			f.onFrame(out)
			filled = 0
		}
		if err != nil {
			if !f.stopped.Load() && f.onEnd != nil {
				f.onEnd(err)
			}
			return
		}
	}
}

// Stop prevents further onFrame calls. The caller stops the track to unblock
// a pending Read, then calls Wait.
func (f *Framer) Stop() {
	f.once.Do(func() { f.stopped.Store(true) })
}

// Wait blocks until the framing goroutine has exited.
func (f *Framer) Wait() { <-f.done }
