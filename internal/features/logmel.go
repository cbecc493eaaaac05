package features

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/loqalabs/loqa-sound/internal/config"
	"gonum.org/v1/gonum/dsp/fourier"
)

// LogMel summarizes a window by the per-band mean and standard deviation of
// its log mel spectrogram. The embedding has 2*NumMels entries.
type LogMel struct {
	sampleRate int
	fftSize    int
	hopSize    int
	numMels    int
	lowFreq    float64
	highFreq   float64

	mu     sync.Mutex
	fft    *fourier.FFT
	window []float64
	bank   [][]float64
	loaded bool
}

func NewLogMel(cfg config.ModelConfig) *LogMel {
	return &LogMel{
		sampleRate: cfg.SampleRate,
		fftSize:    cfg.FFTSize,
		hopSize:    cfg.HopSize,
		numMels:    cfg.NumMels,
		lowFreq:    cfg.LowFreq,
		highFreq:   cfg.HighFreq,
	}
}

func (l *LogMel) Name() string { return "logmel" }

func (l *LogMel) Dimension() int { return 2 * l.numMels }

func (l *LogMel) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.fftSize <= 0 || l.fftSize&(l.fftSize-1) != 0 {
		return fmt.Errorf("features: fft size %d is not a power of two", l.fftSize)
	}
	if l.hopSize <= 0 || l.numMels <= 0 || l.sampleRate <= 0 {
		return fmt.Errorf("features: invalid logmel parameters")
	}
	high := l.highFreq
	if nyquist := float64(l.sampleRate) / 2; high > nyquist {
		high = nyquist
	}
	if high <= l.lowFreq {
		return fmt.Errorf("features: high frequency %.0f must exceed low frequency %.0f", high, l.lowFreq)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fft = fourier.NewFFT(l.fftSize)
	l.window = hamming(l.fftSize)
	l.bank = melBank(l.numMels, l.fftSize, l.sampleRate, l.lowFreq, high)
	l.loaded = true
	return nil
}

func (l *LogMel) Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return nil, ErrNotLoaded
	}
	samples = resample(samples, sampleRate, l.sampleRate)
	if len(samples) < l.fftSize {
		padded := make([]float32, l.fftSize)
		copy(padded, samples)
		samples = padded
	}

	numFrames := (len(samples)-l.fftSize)/l.hopSize + 1
	mean := make([]float64, l.numMels)
	m2 := make([]float64, l.numMels)
	frame := make([]float64, l.fftSize)
	power := make([]float64, l.fftSize/2+1)
	var coeffs []complex128

	for t := 0; t < numFrames; t++ {
		if t%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		off := t * l.hopSize
		for i := range frame {
			frame[i] = float64(samples[off+i]) * l.window[i]
		}
		coeffs = l.fft.Coefficients(coeffs, frame)
		for k := range power {
			a := cmplx.Abs(coeffs[k])
			power[k] = a * a / float64(l.fftSize)
		}
		n := float64(t + 1)
		for m, filter := range l.bank {
			var energy float64
			for k, w := range filter {
				if w != 0 {
					energy += w * power[k]
				}
			}
			v := math.Log(energy + 1e-10)
			delta := v - mean[m]
			mean[m] += delta / n
			m2[m] += delta * (v - mean[m])
		}
	}

	out := make([]float32, 2*l.numMels)
	for m := 0; m < l.numMels; m++ {
		out[m] = float32(mean[m])
		if numFrames > 1 {
			out[l.numMels+m] = float32(math.Sqrt(m2[m] / float64(numFrames-1)))
		}
	}
	return out, nil
}

func hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melBank builds triangular filters over the fftSize/2+1 power bins.
func melBank(numMels, fftSize, sampleRate int, low, high float64) [][]float64 {
	bins := fftSize/2 + 1
	lowMel, highMel := hzToMel(low), hzToMel(high)
	edges := make([]float64, numMels+2)
	for i := range edges {
		edges[i] = melToHz(lowMel + (highMel-lowMel)*float64(i)/float64(numMels+1))
	}
	bank := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		left, center, right := edges[m], edges[m+1], edges[m+2]
		filter := make([]float64, bins)
		for k := 0; k < bins; k++ {
			f := float64(k) * float64(sampleRate) / float64(fftSize)
			switch {
			case f > left && f <= center:
				filter[k] = (f - left) / (center - left)
			case f > center && f < right:
				filter[k] = (right - f) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}
