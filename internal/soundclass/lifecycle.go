package soundclass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sound/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// ExampleRequest names the label for one collected example.
type ExampleRequest struct {
	Label string
}

// ClassifyRequest configures a classification session.
type ClassifyRequest struct {
	// TopK limits each result; zero or less means every label.
	TopK int
	// OnEmbedding, when set, receives the window embedding of results that
	// carry one (see Options.IncludeEmbedding).
	OnEmbedding func([]float32)
}

// Progress reports one training step. Loss is formatted to five decimals.
// The final call has Done set and no loss.
type Progress struct {
	Epoch int    `json:"epoch"`
	Loss  string `json:"loss,omitempty"`
	Done  bool   `json:"done"`
}

// ProgressFunc receives training progress.
type ProgressFunc func(Progress)

// ResultFunc receives ranked predictions or an error wrapping ErrStream.
type ResultFunc func([]Prediction, error)

// Classification switches to classifier mode with a fresh transfer model,
// discarding prior examples and training. A non-nil opts is merged into the
// current options; out-of-range results fail with ErrInvalidOptions before
// anything changes.
func (e *Extractor) Classification(ctx context.Context, opts *Options) (*Extractor, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	merged := e.opts.Merge(opts)
	e.mu.Unlock()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if err := e.stopListening(ctx); err != nil {
		return nil, err
	}
	rec, err := e.base.CreateTransfer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transfer model: %w", err)
	}

	e.mu.Lock()
	e.mode = ModeClassifier
	e.rec = rec
	e.state = StateIdle
	e.opts = merged
	e.mu.Unlock()

	e.log.Info("classifier mode configured")
	e.record(ctx, "classification", "", nil)
	e.notify(ctx)
	return e, nil
}

// AddExample captures one example from the live source under req.Label.
func (e *Extractor) AddExample(ctx context.Context, req ExampleRequest) (*Extractor, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return nil, err
	}
	rec := e.Recognizer()
	if rec == nil {
		return nil, fmt.Errorf("%w: call Classification before adding examples", ErrMode)
	}
	if err := e.stopListening(ctx); err != nil {
		return nil, err
	}

	e.setState(StateCollecting)
	defer e.setState(StateIdle)
	if err := rec.CollectExample(ctx, req.Label); err != nil {
		return nil, fmt.Errorf("collect example %q: %w", req.Label, err)
	}
	e.inst.examples.Add(ctx, 1, metric.WithAttributes(attribute.String("label", req.Label)))
	e.record(ctx, "example", req.Label, nil)
	return e, nil
}

// Train fits the transfer model to the collected examples. progress, when
// set, is called after every epoch and once more with Done when training
// finishes.
func (e *Extractor) Train(ctx context.Context, progress ProgressFunc) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	mode, rec := e.mode, e.rec
	e.mu.Unlock()
	if mode != ModeClassifier || rec == nil {
		return ErrMode
	}
	counts, err := rec.CountExamples(ctx)
	if err != nil {
		return fmt.Errorf("count examples: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return ErrInsufficientData
	}
	if err := e.stopListening(ctx); err != nil {
		return err
	}

	e.setState(StateTraining)
	defer e.setState(StateIdle)
	ctx, span := e.tracer.Start(ctx, "soundclass.train")
	defer span.End()
	span.SetAttributes(attribute.Int("examples", total), attribute.Int("epochs", e.training.Epochs))

	start := time.Now()
	err = rec.Train(ctx, transfer.TrainConfig{
		Epochs:          e.training.Epochs,
		BatchSize:       e.training.BatchSize,
		LearningRate:    e.training.LearningRate,
		ValidationSplit: e.training.ValidationSplit,
		Seed:            e.training.Seed,
		OnEpochEnd: func(s transfer.EpochStats) {
			e.inst.epochs.Add(ctx, 1)
			if progress != nil {
				progress(Progress{Epoch: s.Epoch, Loss: fmt.Sprintf("%.5f", s.Loss)})
			}
		},
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("train: %w", err)
	}
	e.inst.trainDuration.Record(ctx, elapsed.Seconds())

	labels := rec.WordLabels()
	e.mu.Lock()
	e.labels = labels
	e.mu.Unlock()
	if progress != nil {
		progress(Progress{Epoch: e.training.Epochs, Done: true})
	}

	e.log.Info("training finished",
		slog.Int("examples", total),
		slog.Int("labels", len(labels)),
		slog.Duration("elapsed", elapsed),
	)
	e.record(ctx, "train", "", map[string]any{
		"epochs":      e.training.Epochs,
		"examples":    counts,
		"word_labels": labels,
		"duration_ms": elapsed.Milliseconds(),
	})
	e.notify(ctx)
	return nil
}

// Classify starts a listening session and returns once it is running. fn
// receives the top req.TopK predictions of every result. Calling Classify
// again restarts the session. fn runs on the listener goroutine and must
// not call back into the Extractor.
func (e *Extractor) Classify(ctx context.Context, req ClassifyRequest, fn ResultFunc) error {
	if fn == nil {
		return errors.New("classify: result callback is required")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	mode, rec, opts := e.mode, e.rec, e.opts
	e.mu.Unlock()
	if mode != ModeClassifier || rec == nil {
		return ErrMode
	}
	if err := e.stopListening(ctx); err != nil {
		return err
	}

	labels := rec.WordLabels()
	k := req.TopK
	if k <= 0 || k > len(labels) {
		k = len(labels)
	}
	sess := &session{done: make(chan struct{})}
	lo := opts.listenOptions()
	lo.OnStop = func(err error) {
		if err != nil {
			fn(nil, fmt.Errorf("%w: listener stopped: %w", ErrStream, err))
		}
		e.finishSession(sess, err)
	}
	handler := func(r transfer.Result, err error) {
		if err != nil {
			fn(nil, fmt.Errorf("%w: %w", ErrStream, err))
			return
		}
		if len(r.Scores) == 0 {
			fn(nil, fmt.Errorf("%w: result carried no scores", ErrStream))
			return
		}
		preds := topK(labels, r.Scores, k)
		e.inst.predictions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("label", preds[0].Label)))
		if req.OnEmbedding != nil && r.Embedding != nil {
			req.OnEmbedding(r.Embedding)
		}
		fn(preds, nil)
	}

	e.mu.Lock()
	e.session = sess
	e.state = StateListening
	e.mu.Unlock()
	if err := rec.Listen(ctx, handler, lo); err != nil {
		e.finishSession(sess, nil)
		return fmt.Errorf("start listening: %w", err)
	}
	e.log.Info("classification started", slog.Int("top_k", k), slog.Int("labels", len(labels)))
	return nil
}

// Stop ends the running listening session or example collection, if any.
// It does not queue behind the operation it interrupts: a blocked
// AddExample returns once its capture is cancelled.
func (e *Extractor) Stop(ctx context.Context) error {
	e.mu.Lock()
	rec, sess := e.rec, e.session
	e.mu.Unlock()
	if rec == nil {
		return nil
	}
	if err := rec.StopListening(ctx); err != nil {
		return fmt.Errorf("stop listening: %w", err)
	}
	if sess != nil {
		e.finishSession(sess, nil)
	}
	return nil
}

// Wait blocks until the current listening session ends and returns the
// error that ended it. It returns nil immediately when idle.
func (e *Extractor) Wait(ctx context.Context) error {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return sess.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Extractor) stopListening(ctx context.Context) error {
	e.mu.Lock()
	rec, sess := e.rec, e.session
	e.mu.Unlock()
	if rec == nil {
		return nil
	}
	if rec.IsListening() || sess != nil {
		if err := rec.StopListening(ctx); err != nil {
			return fmt.Errorf("stop listening: %w", err)
		}
	}
	if sess != nil {
		e.finishSession(sess, nil)
	}
	return nil
}

func (e *Extractor) finishSession(sess *session, err error) {
	sess.once.Do(func() {
		e.mu.Lock()
		if e.session == sess {
			e.session = nil
			if e.state == StateListening {
				e.state = StateIdle
			}
		}
		e.mu.Unlock()
		sess.err = err
		close(sess.done)
	})
}
