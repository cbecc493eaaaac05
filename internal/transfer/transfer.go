// Package transfer defines the recognizer protocol the sound classifier
// drives, a native softmax head trained over feature embeddings, and
// deterministic mocks.
package transfer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotTrained is returned when listening or saving before Train.
	ErrNotTrained = errors.New("transfer: model not trained")
	// ErrLabelRequired is returned when collecting an example without a label.
	ErrLabelRequired = errors.New("transfer: label is required")
	// ErrNoExamples is returned when training an empty example store.
	ErrNoExamples = errors.New("transfer: no examples collected")
	// ErrNoAudio is returned when the source ended before any samples arrived.
	ErrNoAudio = errors.New("transfer: no audio captured")
	// ErrStopped is returned when StopListening interrupts an example capture.
	ErrStopped = errors.New("transfer: capture stopped")
)

// Reserved labels. Results whose top label is one of these are suppressed
// unless ListenOptions.InvokeOnUnknown is set.
const (
	LabelBackgroundNoise = "_background_noise_"
	LabelUnknown         = "_unknown_"
)

// Result is one scored window. Scores align with WordLabels; a nil Scores
// slice means the window produced no usable output.
type Result struct {
	Scores    []float32
	Embedding []float32
	At        time.Time
}

// ResultFunc receives streaming results, error first.
type ResultFunc func(Result, error)

// ListenOptions tune a listening session.
type ListenOptions struct {
	ProbabilityThreshold float64
	OverlapFactor        float64
	InvokeOnUnknown      bool
	IncludeEmbedding     bool
	// OnStop runs once when the session ends, with the error that ended it
	// or nil when it was stopped or its source ran out.
	OnStop func(error)
}

// EpochStats describes one finished training epoch.
type EpochStats struct {
	Epoch              int
	Loss               float64
	ValidationLoss     float64
	ValidationAccuracy float64
}

// TrainConfig controls a training run.
type TrainConfig struct {
	Epochs          int
	BatchSize       int
	LearningRate    float64
	ValidationSplit float64
	Seed            uint64
	OnEpochEnd      func(EpochStats)
}

// SaveHandler persists the two serialized artifacts.
type SaveHandler func(ctx context.Context, model, metadata []byte) error

// Recognizer is a trainable classification head over a base model.
type Recognizer interface {
	EnsureModelLoaded(ctx context.Context) error
	IsListening() bool
	// StopListening ends collection or classification. It is a no-op when
	// idle.
	StopListening(ctx context.Context) error
	// CollectExample captures one window from the live source under label.
	CollectExample(ctx context.Context, label string) error
	CountExamples(ctx context.Context) (map[string]int, error)
	WordLabels() []string
	Train(ctx context.Context, cfg TrainConfig) error
	// Listen starts a classification session and returns once it is running.
	Listen(ctx context.Context, fn ResultFunc, opts ListenOptions) error
	Metadata() Metadata
	Save(ctx context.Context, handler SaveHandler) error
}

// Base is the pretrained feature model recognizers are derived from.
type Base interface {
	EnsureModelLoaded(ctx context.Context) error
	// CreateTransfer returns a fresh recognizer with no examples.
	CreateTransfer(ctx context.Context) (Recognizer, error)
	// LoadTransfer restores a recognizer from artifacts written by Save.
	LoadTransfer(ctx context.Context, model, metadata []byte) (Recognizer, error)
}
