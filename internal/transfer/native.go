package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-sound/internal/capture"
	"github.com/loqalabs/loqa-sound/internal/examples"
	"github.com/loqalabs/loqa-sound/internal/features"
)

// NativeConfig describes the base model.
type NativeConfig struct {
	ModelName string
	// SampleRate is the rate recorded in metadata; sources may deliver
	// other rates and the extractor resamples.
	SampleRate int
	// WindowMS is the length of one example and one classification window.
	WindowMS int
}

// Native is a Base built from a feature extractor, a live audio source and
// an example store. Recognizers created from it share the source and store.
type Native struct {
	ext   features.Extractor
	src   capture.Source
	store examples.Store
	cfg   NativeConfig
	log   *slog.Logger

	loadOnce sync.Once
	loadErr  error
}

func NewNative(ext features.Extractor, src capture.Source, store examples.Store, cfg NativeConfig, log *slog.Logger) *Native {
	if cfg.WindowMS <= 0 {
		cfg.WindowMS = 1000
	}
	return &Native{
		ext:   ext,
		src:   src,
		store: store,
		cfg:   cfg,
		log:   log.With(slog.String("component", "transfer")),
	}
}

// EnsureModelLoaded loads the extractor once. Later calls return the first
// outcome.
func (n *Native) EnsureModelLoaded(ctx context.Context) error {
	n.loadOnce.Do(func() {
		n.loadErr = n.ext.Load(ctx)
		if n.loadErr == nil {
			n.log.Info("base model loaded", slog.String("extractor", n.ext.Name()), slog.String("model", n.cfg.ModelName))
		}
	})
	return n.loadErr
}

func (n *Native) CreateTransfer(ctx context.Context) (Recognizer, error) {
	if err := n.EnsureModelLoaded(ctx); err != nil {
		return nil, err
	}
	if err := n.store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset examples: %w", err)
	}
	return newHead(n), nil
}

func (n *Native) LoadTransfer(ctx context.Context, model, metadata []byte) (Recognizer, error) {
	if err := n.EnsureModelLoaded(ctx); err != nil {
		return nil, err
	}
	ma, err := DecodeModel(model)
	if err != nil {
		return nil, err
	}
	md, err := DecodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	w, err := decodeWeights(ma)
	if err != nil {
		return nil, err
	}
	if md.FeatureExtractor != "" && md.FeatureExtractor != n.ext.Name() {
		return nil, fmt.Errorf("model was trained on %q features, base provides %q", md.FeatureExtractor, n.ext.Name())
	}
	if dim := n.ext.Dimension(); dim > 0 && dim != w.dim() {
		return nil, fmt.Errorf("model expects %d features, base provides %d", w.dim(), dim)
	}
	if len(md.WordLabels) != w.classes() {
		return nil, fmt.Errorf("metadata lists %d labels for %d classes", len(md.WordLabels), w.classes())
	}
	if err := n.store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset examples: %w", err)
	}
	h := newHead(n)
	h.w = w
	h.labels = append([]string(nil), md.WordLabels...)
	h.trainedAt = md.Timestamp
	return h, nil
}
