package soundclass

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sound/internal/artifact"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *memJournal) Record(_ context.Context, kind, label string, _ map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, kind+":"+label)
	return nil
}

func (j *memJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

func newBlobs(t *testing.T) *storage.Local {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func newReady(t *testing.T, base transfer.Base, blobs storage.BlobStore, opts ...Option) *Extractor {
	t.Helper()
	opts = append([]Option{WithLogger(newLogger())}, opts...)
	e, err := New(base, blobs, opts...).Ready(context.Background())
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	return e
}

func addExamples(t *testing.T, e *Extractor, labels ...string) {
	t.Helper()
	for _, l := range labels {
		if _, err := e.AddExample(context.Background(), ExampleRequest{Label: l}); err != nil {
			t.Fatalf("add example %q: %v", l, err)
		}
	}
}

func TestReadyCallbackAndChaining(t *testing.T) {
	called := make(chan error, 1)
	e := New(&transfer.MockBase{LoadDelay: 10 * time.Millisecond}, newBlobs(t),
		WithLogger(newLogger()),
		WithReadyCallback(func(_ *Extractor, err error) { called <- err }),
	)
	got, err := e.Ready(context.Background())
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if got != e {
		t.Fatal("expected Ready to return the extractor")
	}
	if err := <-called; err != nil {
		t.Fatalf("callback error: %v", err)
	}
}

func TestModelLoadFailurePropagates(t *testing.T) {
	boom := errors.New("download failed")
	e := New(&transfer.MockBase{LoadErr: boom}, newBlobs(t), WithLogger(newLogger()))
	if _, err := e.Ready(context.Background()); !errors.Is(err, ErrModelLoad) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrModelLoad wrapping cause, got %v", err)
	}
	if _, err := e.Classification(context.Background(), nil); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected later operations to fail with ErrModelLoad, got %v", err)
	}
	if st := e.Status(context.Background()); st.Ready || st.Error == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestOperationsRequireClassifierMode(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()

	if err := e.Train(ctx, nil); !errors.Is(err, ErrMode) {
		t.Fatalf("train: expected ErrMode, got %v", err)
	}
	if err := e.Classify(ctx, ClassifyRequest{}, func([]Prediction, error) {}); !errors.Is(err, ErrMode) {
		t.Fatalf("classify: expected ErrMode, got %v", err)
	}
	if _, err := e.AddExample(ctx, ExampleRequest{Label: "yes"}); !errors.Is(err, ErrMode) {
		t.Fatalf("add example: expected ErrMode, got %v", err)
	}
	if e.Mode() != ModeUnset {
		t.Fatalf("expected unset mode, got %v", e.Mode())
	}
}

func TestTrainWithoutExamplesFailsBeforeProgress(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()
	if _, err := e.Classification(ctx, nil); err != nil {
		t.Fatalf("classification: %v", err)
	}
	calls := 0
	err := e.Train(ctx, func(Progress) { calls++ })
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no progress callbacks, got %d", calls)
	}
}

func TestTrainScenario(t *testing.T) {
	journal := &memJournal{}
	e := newReady(t, &transfer.MockBase{}, newBlobs(t), WithJournal(journal))
	ctx := context.Background()
	if _, err := e.Classification(ctx, nil); err != nil {
		t.Fatalf("classification: %v", err)
	}
	addExamples(t, e, "yes", "yes", "yes", "no", "no", "no")

	var progress []Progress
	if err := e.Train(ctx, func(p Progress) { progress = append(progress, p) }); err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(progress) != 26 {
		t.Fatalf("expected 25 epochs plus done, got %d calls", len(progress))
	}
	for i, p := range progress[:25] {
		if p.Done || p.Loss == "" {
			t.Fatalf("epoch %d: unexpected progress %+v", i, p)
		}
	}
	if progress[0].Loss != "1.00000" || progress[1].Loss != "0.50000" {
		t.Fatalf("expected five-decimal losses, got %q %q", progress[0].Loss, progress[1].Loss)
	}
	if !progress[25].Done || progress[25].Loss != "" {
		t.Fatalf("expected final done signal, got %+v", progress[25])
	}
	if got := e.WordLabels(); !slices.Equal(got, []string{"no", "yes"}) {
		t.Fatalf("word labels = %v", got)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected idle after training, got %v", e.State())
	}

	results := make(chan []Prediction, 16)
	err := e.Classify(ctx, ClassifyRequest{TopK: 2}, func(preds []Prediction, err error) {
		if err != nil {
			t.Errorf("unexpected stream error: %v", err)
			return
		}
		select {
		case results <- preds:
		default:
		}
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case preds := <-results:
			if len(preds) > 2 {
				t.Fatalf("expected at most 2 predictions, got %d", len(preds))
			}
			for j := 1; j < len(preds); j++ {
				if preds[j].Confidence > preds[j-1].Confidence {
					t.Fatalf("predictions not sorted: %+v", preds)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for predictions")
		}
	}
	if e.State() != StateListening {
		t.Fatalf("expected listening, got %v", e.State())
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %v", e.State())
	}

	kinds := journal.kinds()
	if kinds[0] != "classification:" || kinds[1] != "example:yes" || kinds[len(kinds)-1] != "train:" {
		t.Fatalf("unexpected journal %v", kinds)
	}
}

func TestTopKClampedToLabels(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()
	e.Classification(ctx, nil)
	addExamples(t, e, "a", "b", "c")
	if err := e.Train(ctx, nil); err != nil {
		t.Fatalf("train: %v", err)
	}

	results := make(chan []Prediction, 1)
	err := e.Classify(ctx, ClassifyRequest{TopK: 10}, func(preds []Prediction, err error) {
		if err == nil {
			select {
			case results <- preds:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	defer e.Stop(ctx)
	select {
	case preds := <-results:
		if len(preds) != 3 {
			t.Fatalf("expected 3 predictions, got %d", len(preds))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestListeningIsExclusive(t *testing.T) {
	base := &transfer.MockBase{}
	e := newReady(t, base, newBlobs(t))
	ctx := context.Background()
	e.Classification(ctx, nil)
	addExamples(t, e, "a", "b")
	if err := e.Train(ctx, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	rec := base.Last()
	before := rec.Starts()

	noop := func([]Prediction, error) {}
	if err := e.Classify(ctx, ClassifyRequest{}, noop); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if rec.Starts() != before+1 || !rec.IsListening() {
		t.Fatalf("expected one start, got %d", rec.Starts()-before)
	}

	// The mock rejects collection while listening, so success proves the
	// session was stopped first.
	addExamples(t, e, "a")
	if rec.Starts() != before+2 {
		t.Fatalf("expected one more start for collection, got %d", rec.Starts()-before)
	}
	if rec.IsListening() {
		t.Fatal("expected idle after collection")
	}

	if err := e.Classify(ctx, ClassifyRequest{}, noop); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if err := e.Classify(ctx, ClassifyRequest{}, noop); err != nil {
		t.Fatalf("classify restart: %v", err)
	}
	if rec.Starts() != before+4 {
		t.Fatalf("expected restart to count once per call, got %d", rec.Starts()-before)
	}
	if err := e.Train(ctx, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	if rec.IsListening() {
		t.Fatal("expected training to stop listening")
	}
}

func TestStreamErrorsAreDelivered(t *testing.T) {
	collab := errors.New("mic unplugged")
	base := &transfer.MockBase{Script: []transfer.MockEvent{
		{Result: transfer.Result{Scores: []float32{0.2, 0.8}}},
		{Result: transfer.Result{}},
		{Err: collab},
		{Result: transfer.Result{Scores: []float32{0.6, 0.4}, Embedding: []float32{1, 2}}},
	}}
	e := newReady(t, base, newBlobs(t), WithOptions(OptionsFromConfig(config.Default().Listener)))
	ctx := context.Background()
	e.Classification(ctx, nil)
	addExamples(t, e, "x", "y")
	if err := e.Train(ctx, nil); err != nil {
		t.Fatalf("train: %v", err)
	}

	var mu sync.Mutex
	var preds [][]Prediction
	var errs []error
	var embeddings int
	err := e.Classify(ctx, ClassifyRequest{TopK: 1, OnEmbedding: func([]float32) { embeddings++ }}, func(p []Prediction, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		preds = append(preds, p)
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(preds) != 2 || len(errs) != 2 {
		t.Fatalf("expected 2 results and 2 errors, got %d and %d", len(preds), len(errs))
	}
	if preds[0][0].Label != "y" || preds[1][0].Label != "x" {
		t.Fatalf("unexpected top labels %+v", preds)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrStream) {
			t.Fatalf("expected ErrStream, got %v", err)
		}
	}
	if !errors.Is(errs[1], collab) {
		t.Fatalf("expected collaborator error to be wrapped, got %v", errs[1])
	}
	if embeddings != 1 {
		t.Fatalf("expected one embedding callback, got %d", embeddings)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected idle once the session ended, got %v", e.State())
	}
}

func TestSaveRequiresModel(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()
	if err := e.Save(ctx, "m"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel before classification, got %v", err)
	}
	e.Classification(ctx, nil)
	if err := e.Save(ctx, "m"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel for untrained model, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	blobs := newBlobs(t)
	base := &transfer.MockBase{}
	e := newReady(t, base, blobs)
	ctx := context.Background()
	e.Classification(ctx, nil)
	addExamples(t, e, "dog", "cat", "bird")
	if err := e.Train(ctx, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	before := e.WordLabels()
	if err := e.Save(ctx, "pets/model.json"); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, name := range []string{artifact.ModelFile, artifact.MetadataFile} {
		if _, err := os.Stat(filepath.Join(blobs.Root(), "pets", name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	fresh := newReady(t, &transfer.MockBase{}, blobs)
	rec, err := fresh.Load(ctx, "pets")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec == nil || !slices.Equal(fresh.WordLabels(), before) {
		t.Fatalf("labels after load = %v, want %v", fresh.WordLabels(), before)
	}
	if fresh.Mode() != ModeClassifier {
		t.Fatalf("expected classifier mode after load, got %v", fresh.Mode())
	}
}

func TestLoadEdgeCases(t *testing.T) {
	blobs := newBlobs(t)
	e := newReady(t, &transfer.MockBase{}, blobs)
	ctx := context.Background()

	rec, err := e.Load(ctx, "")
	if err != nil || rec != nil {
		t.Fatalf("expected no-op load, got %v %v", rec, err)
	}
	if _, err := e.Load(ctx, "missing"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	blobs.Put(ctx, "bad/model.json", []byte("{"))
	blobs.Put(ctx, "bad/metadata.json", []byte("{}"))
	if _, err := e.Load(ctx, "bad"); !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad for malformed artifacts, got %v", err)
	}
}

func TestClassificationMergesOptionsAndResets(t *testing.T) {
	base := &transfer.MockBase{}
	e := newReady(t, base, newBlobs(t))
	ctx := context.Background()
	threshold := 0.75
	if _, err := e.Classification(ctx, &Options{ProbabilityThreshold: &threshold}); err != nil {
		t.Fatalf("classification: %v", err)
	}
	opts := e.Options()
	if *opts.ProbabilityThreshold != 0.75 || *opts.OverlapFactor != 0.5 {
		t.Fatalf("unexpected merged options %+v", opts)
	}
	addExamples(t, e, "a")

	if _, err := e.Classification(ctx, nil); err != nil {
		t.Fatalf("second classification: %v", err)
	}
	if *e.Options().ProbabilityThreshold != 0.75 {
		t.Fatal("nil options must leave the current options untouched")
	}
	st := e.Status(ctx)
	if len(st.Examples) != 0 {
		t.Fatalf("expected examples to be discarded, got %v", st.Examples)
	}
}

func TestEmptyLabelIsPassedThrough(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()
	e.Classification(ctx, nil)
	if _, err := e.AddExample(ctx, ExampleRequest{}); !errors.Is(err, transfer.ErrLabelRequired) {
		t.Fatalf("expected collaborator rejection, got %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected idle after failed collection, got %v", e.State())
	}
}

func TestObserverSeesLabels(t *testing.T) {
	var mu sync.Mutex
	var last Status
	e := newReady(t, &transfer.MockBase{}, newBlobs(t), WithObserver(func(st Status) {
		mu.Lock()
		last = st
		mu.Unlock()
	}))
	ctx := context.Background()
	e.Classification(ctx, nil)
	addExamples(t, e, "knock")
	e.Train(ctx, nil)
	mu.Lock()
	defer mu.Unlock()
	if last.Mode != "classifier" || !slices.Equal(last.WordLabels, []string{"knock"}) {
		t.Fatalf("unexpected observed status %+v", last)
	}
}

// blockingCollector holds CollectExample until StopListening is called, like
// a live source that never delivers a full window.
type blockingCollector struct {
	transfer.Recognizer
	started   chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	listening atomic.Bool
}

func (r *blockingCollector) IsListening() bool { return r.listening.Load() }

func (r *blockingCollector) CollectExample(ctx context.Context, label string) error {
	r.listening.Store(true)
	defer r.listening.Store(false)
	close(r.started)
	select {
	case <-r.stop:
		return transfer.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *blockingCollector) StopListening(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	return r.Recognizer.StopListening(ctx)
}

type blockingBase struct {
	*transfer.MockBase
	mu  sync.Mutex
	rec *blockingCollector
}

func (b *blockingBase) CreateTransfer(ctx context.Context) (transfer.Recognizer, error) {
	inner, err := b.MockBase.CreateTransfer(ctx)
	if err != nil {
		return nil, err
	}
	rec := &blockingCollector{Recognizer: inner, started: make(chan struct{}), stop: make(chan struct{})}
	b.mu.Lock()
	b.rec = rec
	b.mu.Unlock()
	return rec, nil
}

func (b *blockingBase) last() *blockingCollector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

func TestStopInterruptsExampleCollection(t *testing.T) {
	base := &blockingBase{MockBase: &transfer.MockBase{}}
	e := newReady(t, base, newBlobs(t))
	if _, err := e.Classification(context.Background(), nil); err != nil {
		t.Fatalf("classification: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := e.AddExample(context.Background(), ExampleRequest{Label: "yes"})
		errc <- err
	}()
	select {
	case <-base.last().started:
	case <-time.After(2 * time.Second):
		t.Fatal("collection never started")
	}
	if got := e.State(); got != StateCollecting {
		t.Fatalf("expected collecting, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, transfer.ErrStopped) {
			t.Fatalf("expected ErrStopped from AddExample, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AddExample still blocked after Stop")
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %v", got)
	}

	// The operation lock was released, so later operations proceed.
	opCtx, opCancel := context.WithTimeout(context.Background(), time.Second)
	defer opCancel()
	if _, err := e.Classification(opCtx, nil); err != nil {
		t.Fatalf("classification after stop: %v", err)
	}
}

func TestClassificationRejectsOutOfRangeOptions(t *testing.T) {
	e := newReady(t, &transfer.MockBase{}, newBlobs(t))
	ctx := context.Background()
	before := e.Options()

	overlap, threshold := 5.0, -3.0
	_, err := e.Classification(ctx, &Options{OverlapFactor: &overlap, ProbabilityThreshold: &threshold})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
	after := e.Options()
	if *after.OverlapFactor != *before.OverlapFactor || *after.ProbabilityThreshold != *before.ProbabilityThreshold {
		t.Fatalf("options changed on rejection: %+v -> %+v", before, after)
	}
	if e.Mode() != ModeUnset || e.Recognizer() != nil {
		t.Fatal("rejected options must not switch to classifier mode")
	}

	threshold = 1
	overlap = 0
	if _, err := e.Classification(ctx, &Options{OverlapFactor: &overlap, ProbabilityThreshold: &threshold}); err != nil {
		t.Fatalf("boundary values should be accepted: %v", err)
	}
}
