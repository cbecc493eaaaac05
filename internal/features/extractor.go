// Package features turns windows of audio into fixed-size embeddings the
// transfer head trains on.
package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-sound/internal/config"
)

// ErrNotLoaded is returned by Extract before Load succeeded.
var ErrNotLoaded = errors.New("features: extractor not loaded")

// Extractor abstracts embedding backends.
type Extractor interface {
	// Load prepares the backend. It is called once before any Extract.
	Load(ctx context.Context) error
	// Extract computes an embedding for one window of mono samples.
	Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)
	// Dimension is the embedding length, or 0 while unknown.
	Dimension() int
	// Name identifies the backend in persisted metadata.
	Name() string
}

// New builds the extractor named by cfg.Extractor.
func New(cfg config.ModelConfig) (Extractor, error) {
	switch cfg.Extractor {
	case "logmel":
		return NewLogMel(cfg), nil
	case "exec":
		ext, err := NewExec(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("configure exec extractor: %w", err)
		}
		return ext, nil
	default:
		return nil, fmt.Errorf("unknown feature extractor %q", cfg.Extractor)
	}
}

// resample converts samples to the target rate by linear interpolation.
func resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
