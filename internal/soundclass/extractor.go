// Package soundclass coordinates example collection, transfer training,
// streaming classification and persistence on top of a pretrained base
// model.
//
// An Extractor runs one top-level operation at a time. Collection,
// training and classification never overlap: each stops any running
// listening session before it starts.
package soundclass

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/loqalabs/loqa-sound/internal/storage"
	"github.com/loqalabs/loqa-sound/internal/transfer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-sound/soundclass"

// State is the lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateTraining
	StateListening
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateTraining:
		return "training"
	case StateListening:
		return "listening"
	default:
		return "idle"
	}
}

// UsageMode gates training and classification.
type UsageMode int

const (
	ModeUnset UsageMode = iota
	ModeClassifier
)

func (m UsageMode) String() string {
	if m == ModeClassifier {
		return "classifier"
	}
	return "unset"
}

// Journal records lifecycle events.
type Journal interface {
	Record(ctx context.Context, kind, label string, payload map[string]any) error
}

// Status is a snapshot of the extractor.
type Status struct {
	Ready      bool           `json:"ready"`
	Error      string         `json:"error,omitempty"`
	State      string         `json:"state"`
	Mode       string         `json:"mode"`
	Listening  bool           `json:"listening"`
	WordLabels []string       `json:"word_labels"`
	Examples   map[string]int `json:"examples,omitempty"`
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLogger replaces slog.Default as the base logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// WithTraining sets the epoch budget and optimizer settings.
func WithTraining(cfg config.TrainingConfig) Option {
	return func(e *Extractor) { e.training = cfg }
}

// WithOptions sets the initial classification options.
func WithOptions(opts Options) Option {
	return func(e *Extractor) { e.opts = opts }
}

// WithReadyCallback registers fn to run once base model loading finishes.
func WithReadyCallback(fn func(*Extractor, error)) Option {
	return func(e *Extractor) { e.onReady = fn }
}

// WithJournal records lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(e *Extractor) { e.journal = j }
}

// WithObserver registers fn to receive a Status after every change of mode,
// model or labels.
func WithObserver(fn func(Status)) Option {
	return func(e *Extractor) { e.observers = append(e.observers, fn) }
}

type session struct {
	done chan struct{}
	once sync.Once
	err  error
}

// Extractor drives a transfer.Recognizer through its lifecycle.
type Extractor struct {
	base      transfer.Base
	blobs     storage.BlobStore
	log       *slog.Logger
	journal   Journal
	training  config.TrainingConfig
	onReady   func(*Extractor, error)
	observers []func(Status)
	tracer    trace.Tracer
	inst      *instruments

	ready   chan struct{}
	loadErr error

	// opMu serializes top-level operations.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	mode    UsageMode
	rec     transfer.Recognizer
	labels  []string
	opts    Options
	session *session
}

// New starts loading base in the background and returns immediately. Use
// Ready to wait for the outcome.
func New(base transfer.Base, blobs storage.BlobStore, opts ...Option) *Extractor {
	defaults := config.Default()
	e := &Extractor{
		base:     base,
		blobs:    blobs,
		log:      slog.Default(),
		training: defaults.Training,
		opts:     OptionsFromConfig(defaults.Listener),
		ready:    make(chan struct{}),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("component", "soundclass"))
	e.inst = newInstruments(otel.Meter(instrumentationName), e.log)

	go e.load()
	return e
}

func (e *Extractor) load() {
	if err := e.base.EnsureModelLoaded(context.Background()); err != nil {
		e.loadErr = fmt.Errorf("%w: %w", ErrModelLoad, err)
		e.log.Error("base model failed to load", slogError(err))
	}
	close(e.ready)
	if e.onReady != nil {
		e.onReady(e, e.loadErr)
	}
}

// Ready blocks until base model loading finishes and returns the extractor,
// or the load failure wrapped in ErrModelLoad.
func (e *Extractor) Ready(ctx context.Context) (*Extractor, error) {
	select {
	case <-e.ready:
		if e.loadErr != nil {
			return nil, e.loadErr
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Extractor) await(ctx context.Context) error {
	_, err := e.Ready(ctx)
	return err
}

func (e *Extractor) isReady() (bool, error) {
	select {
	case <-e.ready:
		return e.loadErr == nil, e.loadErr
	default:
		return false, nil
	}
}

// State returns the lifecycle state.
func (e *Extractor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Mode returns the usage mode.
func (e *Extractor) Mode() UsageMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// WordLabels returns the labels discovered by the last successful Train or
// Load.
func (e *Extractor) WordLabels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.labels)
}

// Options returns the options the next Classify will use.
func (e *Extractor) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// Recognizer returns the current transfer model, or nil.
func (e *Extractor) Recognizer() transfer.Recognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

func (e *Extractor) Status(ctx context.Context) Status {
	ready, err := e.isReady()
	e.mu.Lock()
	st := Status{
		Ready:      ready,
		State:      e.state.String(),
		Mode:       e.mode.String(),
		WordLabels: slices.Clone(e.labels),
	}
	rec := e.rec
	e.mu.Unlock()
	if err != nil {
		st.Error = err.Error()
	}
	if rec != nil {
		st.Listening = rec.IsListening()
		counts, err := rec.CountExamples(ctx)
		if err != nil {
			e.log.Warn("count examples failed", slogError(err))
		} else {
			st.Examples = counts
		}
	}
	return st
}

func (e *Extractor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Extractor) notify(ctx context.Context) {
	if len(e.observers) == 0 {
		return
	}
	st := e.Status(ctx)
	for _, fn := range e.observers {
		fn(st)
	}
}

func (e *Extractor) record(ctx context.Context, kind, label string, payload map[string]any) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, kind, label, payload); err != nil {
		e.log.Warn("journal write failed", slog.String("event", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
