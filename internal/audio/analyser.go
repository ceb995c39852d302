package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.5
	minDecibels      = -100.0
	maxDecibels      = -30.0
)

// Analyser tracks the most recent rendered output and reports its
// frequency-domain energy the way a browser AnalyserNode does: Blackman
// window, magnitude spectrum, time smoothing, dB scaling to bytes.
type Analyser struct {
	mu        sync.Mutex
	size      int
	smoothing float64
	ring      []float32
	pos       int
	smoothed  []float64
	window    []float64
	fft       *fourier.FFT
	frame     []float64
	coeff     []complex128
}

// NewAnalyser returns an analyser with the given power-of-two FFT size.
func NewAnalyser(fftSize int, smoothing float64) *Analyser {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	a := &Analyser{
		size:      fftSize,
		smoothing: smoothing,
		ring:      make([]float32, fftSize),
		smoothed:  make([]float64, fftSize/2),
		window:    make([]float64, fftSize),
		fft:       fourier.NewFFT(fftSize),
		frame:     make([]float64, fftSize),
		coeff:     make([]complex128, fftSize/2+1),
	}
	for i := range a.window {
		x := float64(i) / float64(fftSize)
		a.window[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}
	return a
}

// BinCount is half the FFT size.
func (a *Analyser) BinCount() int { return a.size / 2 }

// Write feeds rendered samples into the analysis window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData fills dst (up to BinCount entries) with 0..255 magnitudes.
func (a *Analyser) ByteFrequencyData(dst []uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.size; i++ {
		s := a.ring[(a.pos+i)%a.size]
		a.frame[i] = float64(s) * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.frame)
	n := a.BinCount()
	if len(dst) < n {
		n = len(dst)
	}
	scale := 1.0 / float64(a.size)
	for k := 0; k < a.BinCount(); k++ {
		mag := cmplx.Abs(a.coeff[k]) * scale
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k >= n {
			continue
		}
		db := minDecibels
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		switch {
		case v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = uint8(v)
		}
	}
}

// Level returns the mean byte frequency magnitude normalized to [0,1].
func (a *Analyser) Level() float64 {
	bins := make([]uint8, a.BinCount())
	a.ByteFrequencyData(bins)
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins)) / 255
}
