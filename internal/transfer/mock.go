package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MockEvent is one scripted listening callback.
type MockEvent struct {
	Result Result
	Err    error
}

// MockBase hands out MockRecognizers. Fields must be set before use.
type MockBase struct {
	LoadErr   error
	LoadDelay time.Duration
	// Script, when set, is replayed by every Listen and the session then
	// ends. Otherwise recognizers emit rotating scores every Interval.
	Script   []MockEvent
	Interval time.Duration

	mu    sync.Mutex
	loads int
	last  *MockRecognizer
}

func (b *MockBase) EnsureModelLoaded(ctx context.Context) error {
	b.mu.Lock()
	b.loads++
	b.mu.Unlock()
	if b.LoadDelay > 0 {
		select {
		case <-time.After(b.LoadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.LoadErr
}

func (b *MockBase) CreateTransfer(context.Context) (Recognizer, error) {
	r := b.newRecognizer()
	return r, nil
}

type mockModel struct {
	Format string   `json:"format"`
	Labels []string `json:"labels"`
}

func (b *MockBase) LoadTransfer(_ context.Context, model, metadata []byte) (Recognizer, error) {
	var m mockModel
	if err := json.Unmarshal(model, &m); err != nil {
		return nil, fmt.Errorf("decode mock model: %w", err)
	}
	if m.Format != "mock" {
		return nil, fmt.Errorf("unsupported model format %q", m.Format)
	}
	md, err := DecodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(md.WordLabels, m.Labels) {
		return nil, errors.New("metadata labels do not match model")
	}
	r := b.newRecognizer()
	r.labels = slices.Clone(m.Labels)
	r.trained = true
	return r, nil
}

// Loads reports how often EnsureModelLoaded ran.
func (b *MockBase) Loads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

// Last returns the most recently created recognizer.
func (b *MockBase) Last() *MockRecognizer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *MockBase) newRecognizer() *MockRecognizer {
	r := &MockRecognizer{
		counts:   make(map[string]int),
		script:   b.Script,
		interval: b.Interval,
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Millisecond
	}
	b.mu.Lock()
	b.last = r
	b.mu.Unlock()
	return r
}

// MockRecognizer is a deterministic Recognizer for tests.
type MockRecognizer struct {
	// CollectErr and TrainErr, when set, are returned by the matching calls.
	CollectErr error
	TrainErr   error

	script   []MockEvent
	interval time.Duration

	mu      sync.Mutex
	counts  map[string]int
	labels  []string
	trained bool
	stop    chan struct{}
	done    chan struct{}

	listening atomic.Bool
	starts    atomic.Int32
}

func (r *MockRecognizer) EnsureModelLoaded(context.Context) error { return nil }

func (r *MockRecognizer) IsListening() bool { return r.listening.Load() }

// Starts counts idle to listening transitions.
func (r *MockRecognizer) Starts() int { return int(r.starts.Load()) }

func (r *MockRecognizer) StopListening(ctx context.Context) error {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *MockRecognizer) CollectExample(ctx context.Context, label string) error {
	if r.IsListening() {
		return errors.New("mock: collect while listening")
	}
	if label == "" {
		return ErrLabelRequired
	}
	if r.CollectErr != nil {
		return r.CollectErr
	}
	r.starts.Add(1)
	r.listening.Store(true)
	defer r.listening.Store(false)
	r.mu.Lock()
	r.counts[label]++
	r.mu.Unlock()
	return ctx.Err()
}

func (r *MockRecognizer) CountExamples(context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counts), nil
}

func (r *MockRecognizer) WordLabels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.labels)
}

func (r *MockRecognizer) Train(ctx context.Context, cfg TrainConfig) error {
	if r.TrainErr != nil {
		return r.TrainErr
	}
	r.mu.Lock()
	labels := slices.Sorted(maps.Keys(r.counts))
	r.mu.Unlock()
	if len(labels) == 0 {
		return ErrNoExamples
	}
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.OnEpochEnd != nil {
			cfg.OnEpochEnd(EpochStats{Epoch: epoch, Loss: 1 / float64(epoch+1)})
		}
	}
	r.mu.Lock()
	r.labels = labels
	r.trained = true
	r.mu.Unlock()
	return nil
}

func (r *MockRecognizer) Listen(ctx context.Context, fn ResultFunc, opts ListenOptions) error {
	r.mu.Lock()
	trained, labels := r.trained, slices.Clone(r.labels)
	r.mu.Unlock()
	if !trained {
		return ErrNotTrained
	}
	if err := r.StopListening(ctx); err != nil {
		return err
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.mu.Lock()
	r.stop, r.done = stop, done
	r.mu.Unlock()
	r.starts.Add(1)
	r.listening.Store(true)

	go func() {
		defer close(done)
		defer func() {
			r.listening.Store(false)
			if opts.OnStop != nil {
				opts.OnStop(nil)
			}
		}()
		if r.script != nil {
			for _, ev := range r.script {
				select {
				case <-stop:
					return
				default:
				}
				fn(ev.Result, ev.Err)
			}
			r.mu.Lock()
			if r.stop == stop {
				r.stop, r.done = nil, nil
			}
			r.mu.Unlock()
			return
		}
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for tick := 0; ; tick++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn(Result{Scores: rotatingScores(len(labels), tick), At: time.Now()}, nil)
			}
		}
	}()
	return nil
}

// rotatingScores spreads probability mass so the favoured label changes
// every tick.
func rotatingScores(n, tick int) []float32 {
	scores := make([]float32, n)
	var total float32
	for i := range scores {
		scores[i] = float32((i+tick)%n + 1)
		total += scores[i]
	}
	for i := range scores {
		scores[i] /= total
	}
	return scores
}

func (r *MockRecognizer) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metadata{WordLabels: slices.Clone(r.labels), ModelName: "mock", FeatureExtractor: "mock"}
}

func (r *MockRecognizer) Save(ctx context.Context, handler SaveHandler) error {
	r.mu.Lock()
	trained, labels := r.trained, slices.Clone(r.labels)
	r.mu.Unlock()
	if !trained {
		return ErrNotTrained
	}
	model, err := json.Marshal(mockModel{Format: "mock", Labels: labels})
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(r.Metadata())
	if err != nil {
		return err
	}
	return handler(ctx, model, metadata)
}
