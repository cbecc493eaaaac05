package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sound/internal/capture"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Head is a softmax regression layer over standardized embeddings.
type Head struct {
	base *Native

	mu        sync.RWMutex
	labels    []string
	w         *weights
	trainedAt time.Time

	sessMu    sync.Mutex
	current   *session
	listening atomic.Bool
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newHead(base *Native) *Head {
	return &Head{base: base}
}

func (h *Head) EnsureModelLoaded(ctx context.Context) error {
	return h.base.EnsureModelLoaded(ctx)
}

func (h *Head) IsListening() bool {
	return h.listening.Load()
}

// begin ends any running session and starts a new one derived from ctx.
func (h *Head) begin(ctx context.Context) (context.Context, *session, error) {
	if err := h.StopListening(ctx); err != nil {
		return nil, nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}
	h.sessMu.Lock()
	h.current = s
	h.sessMu.Unlock()
	h.listening.Store(true)
	return sctx, s, nil
}

func (h *Head) end(s *session, onStop func()) {
	s.cancel()
	h.sessMu.Lock()
	if h.current == s {
		h.current = nil
		h.listening.Store(false)
	}
	h.sessMu.Unlock()
	if onStop != nil {
		onStop()
	}
	close(s.done)
}

func (h *Head) StopListening(ctx context.Context) error {
	h.sessMu.Lock()
	s := h.current
	h.sessMu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Head) CollectExample(ctx context.Context, label string) error {
	if label == "" {
		return ErrLabelRequired
	}
	samples, rate, err := h.captureWindow(ctx)
	if err != nil {
		return err
	}
	vec, err := h.base.ext.Extract(ctx, samples, rate)
	if err != nil {
		return fmt.Errorf("extract features: %w", err)
	}
	if _, err := h.base.store.Add(ctx, label, vec); err != nil {
		return err
	}
	h.base.log.Debug("example collected", slog.String("label", label), slog.Int("samples", len(samples)))
	return nil
}

func (h *Head) captureWindow(ctx context.Context) ([]float32, int, error) {
	sctx, s, err := h.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer h.end(s, nil)

	var buf []float32
	rate, need := 0, 0
	err = h.base.src.Stream(sctx, func(f capture.Frame) error {
		if rate == 0 {
			rate = f.SampleRate
			need = rate * h.base.cfg.WindowMS / 1000
		}
		buf = append(buf, f.Samples...)
		if len(buf) >= need {
			return capture.ErrStop
		}
		return nil
	})
	if sctx.Err() != nil && ctx.Err() == nil && (rate == 0 || len(buf) < need) {
		return nil, 0, ErrStopped
	}
	if err != nil {
		return nil, 0, fmt.Errorf("capture example: %w", err)
	}
	if len(buf) == 0 {
		return nil, 0, ErrNoAudio
	}
	if len(buf) > need {
		buf = buf[:need]
	}
	return buf, rate, nil
}

func (h *Head) CountExamples(ctx context.Context) (map[string]int, error) {
	return h.base.store.Counts(ctx)
}

func (h *Head) WordLabels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.labels)
}

func (h *Head) Train(ctx context.Context, cfg TrainConfig) error {
	var xs [][]float64
	var names []string
	for ex, err := range h.base.store.All(ctx) {
		if err != nil {
			return fmt.Errorf("read examples: %w", err)
		}
		x := make([]float64, len(ex.Features))
		for i, v := range ex.Features {
			x[i] = float64(v)
		}
		xs = append(xs, x)
		names = append(names, ex.Label)
	}
	if len(xs) == 0 {
		return ErrNoExamples
	}
	dim := len(xs[0])
	for _, x := range xs {
		if len(x) != dim {
			return fmt.Errorf("inconsistent feature dimension: %d and %d", dim, len(x))
		}
	}

	labels := slices.Compact(slices.Sorted(slices.Values(names)))
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	ys := make([]int, len(names))
	for i, n := range names {
		ys[i] = index[n]
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	order := rng.Perm(len(xs))
	nVal := int(float64(len(xs)) * cfg.ValidationSplit)
	if nVal >= len(xs) {
		nVal = len(xs) - 1
	}
	val, train := order[:nVal], order[nVal:]

	w := &weights{
		mean:   make([]float64, dim),
		std:    make([]float64, dim),
		kernel: make([][]float64, len(labels)),
		bias:   make([]float64, len(labels)),
	}
	col := make([]float64, len(train))
	for j := 0; j < dim; j++ {
		for k, i := range train {
			col[k] = xs[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if math.IsNaN(std) || std < 1e-6 {
			std = 1
		}
		w.mean[j], w.std[j] = mean, std
	}
	zs := make([][]float64, len(xs))
	for i, x := range xs {
		zs[i] = w.standardize(x)
	}

	gradK := make([][]float64, len(labels))
	for c := range labels {
		w.kernel[c] = make([]float64, dim)
		gradK[c] = make([]float64, dim)
	}
	gradB := make([]float64, len(labels))
	probs := make([]float64, len(labels))
	batch := cfg.BatchSize
	if batch <= 0 || batch > len(train) {
		batch = len(train)
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training interrupted at epoch %d: %w", epoch, err)
		}
		rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
		for start := 0; start < len(train); start += batch {
			end := min(start+batch, len(train))
			for c := range gradK {
				floats.Scale(0, gradK[c])
			}
			floats.Scale(0, gradB)
			for _, i := range train[start:end] {
				w.softmax(probs, zs[i])
				for c, p := range probs {
					g := p
					if c == ys[i] {
						g--
					}
					floats.AddScaled(gradK[c], g, zs[i])
					gradB[c] += g
				}
			}
			step := -cfg.LearningRate / float64(end-start)
			for c := range w.kernel {
				floats.AddScaled(w.kernel[c], step, gradK[c])
			}
			floats.AddScaled(w.bias, step, gradB)
		}

		stats := EpochStats{Epoch: epoch}
		stats.Loss, _ = w.evaluate(zs, ys, train, probs)
		if len(val) > 0 {
			stats.ValidationLoss, stats.ValidationAccuracy = w.evaluate(zs, ys, val, probs)
		}
		if cfg.OnEpochEnd != nil {
			cfg.OnEpochEnd(stats)
		}
	}

	h.mu.Lock()
	h.w = w
	h.labels = labels
	h.trainedAt = time.Now().UTC()
	h.mu.Unlock()
	h.base.log.Info("head trained", slog.Int("examples", len(xs)), slog.Int("labels", len(labels)), slog.Int("epochs", cfg.Epochs))
	return nil
}

func (h *Head) Listen(ctx context.Context, fn ResultFunc, opts ListenOptions) error {
	if fn == nil {
		return errors.New("transfer: result callback is required")
	}
	h.mu.RLock()
	w, labels := h.w, slices.Clone(h.labels)
	h.mu.RUnlock()
	if w == nil {
		return ErrNotTrained
	}

	sctx, s, err := h.begin(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	go func() {
		err := h.listen(sctx, w, labels, fn, opts)
		h.end(s, func() {
			if opts.OnStop != nil {
				opts.OnStop(err)
			}
		})
	}()
	return nil
}

func (h *Head) listen(ctx context.Context, w *weights, labels []string, fn ResultFunc, opts ListenOptions) error {
	var win *capture.Windower
	rate, emitted := 0, 0
	classify := func(window []float32) error {
		emitted++
		h.classifyWindow(ctx, w, labels, window, rate, fn, opts)
		return nil
	}
	err := h.base.src.Stream(ctx, func(f capture.Frame) error {
		if win == nil {
			rate = f.SampleRate
			size := rate * h.base.cfg.WindowMS / 1000
			hop := int(float64(size) * (1 - opts.OverlapFactor))
			win = capture.NewWindower(size, max(hop, 1))
		}
		return win.Push(f.Samples, classify)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	// A finite source shorter than one window still yields a result.
	if win != nil && emitted == 0 && win.Pending() > 0 {
		win.Flush(classify)
	}
	return nil
}

func (h *Head) classifyWindow(ctx context.Context, w *weights, labels []string, window []float32, rate int, fn ResultFunc, opts ListenOptions) {
	emb, err := h.base.ext.Extract(ctx, window, rate)
	if err != nil {
		if ctx.Err() == nil {
			fn(Result{}, fmt.Errorf("extract features: %w", err))
		}
		return
	}
	if len(emb) != w.dim() {
		fn(Result{}, fmt.Errorf("embedding has %d values, model expects %d", len(emb), w.dim()))
		return
	}
	x := make([]float64, len(emb))
	for i, v := range emb {
		x[i] = float64(v)
	}
	probs := make([]float64, w.classes())
	w.softmax(probs, w.standardize(x))
	top := floats.MaxIdx(probs)
	if probs[top] < opts.ProbabilityThreshold {
		return
	}
	if !opts.InvokeOnUnknown && (labels[top] == LabelBackgroundNoise || labels[top] == LabelUnknown) {
		return
	}
	res := Result{Scores: make([]float32, len(probs)), At: time.Now().UTC()}
	for i, p := range probs {
		res.Scores[i] = float32(p)
	}
	if opts.IncludeEmbedding {
		res.Embedding = emb
	}
	fn(res, nil)
}

func (h *Head) Metadata() Metadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dim := h.base.ext.Dimension()
	if h.w != nil {
		dim = h.w.dim()
	}
	return Metadata{
		WordLabels:       slices.Clone(h.labels),
		ModelName:        h.base.cfg.ModelName,
		FeatureExtractor: h.base.ext.Name(),
		FeatureDimension: dim,
		SampleRate:       h.base.cfg.SampleRate,
		WindowMS:         h.base.cfg.WindowMS,
		Timestamp:        h.trainedAt,
	}
}

func (h *Head) Save(ctx context.Context, handler SaveHandler) error {
	h.mu.RLock()
	w := h.w
	h.mu.RUnlock()
	if w == nil {
		return ErrNotTrained
	}
	ma, err := encodeWeights(w)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	model, err := json.Marshal(ma)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	metadata, err := json.MarshalIndent(h.Metadata(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return handler(ctx, model, metadata)
}

func (w *weights) standardize(x []float64) []float64 {
	z := make([]float64, len(x))
	for j := range x {
		z[j] = (x[j] - w.mean[j]) / w.std[j]
	}
	return z
}

// softmax writes class probabilities for z into dst.
func (w *weights) softmax(dst, z []float64) {
	for c := range w.kernel {
		dst[c] = floats.Dot(w.kernel[c], z) + w.bias[c]
	}
	peak := floats.Max(dst)
	for c := range dst {
		dst[c] = math.Exp(dst[c] - peak)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// evaluate returns mean cross-entropy and accuracy over idx.
func (w *weights) evaluate(zs [][]float64, ys []int, idx []int, scratch []float64) (float64, float64) {
	if len(idx) == 0 {
		return 0, 0
	}
	var loss float64
	correct := 0
	for _, i := range idx {
		w.softmax(scratch, zs[i])
		loss -= math.Log(math.Max(scratch[ys[i]], 1e-12))
		if floats.MaxIdx(scratch) == ys[i] {
			correct++
		}
	}
	n := float64(len(idx))
	return loss / n, float64(correct) / n
}
