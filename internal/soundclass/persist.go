package soundclass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-sound/internal/artifact"
	"github.com/loqalabs/loqa-sound/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Save writes model.json and metadata.json under path through the blob
// store. A trailing model.json in path is ignored.
func (e *Extractor) Save(ctx context.Context, path string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return err
	}
	rec := e.Recognizer()
	if rec == nil {
		return ErrNoModel
	}
	dir := artifact.Dir(path)
	ctx, span := e.tracer.Start(ctx, "soundclass.save")
	defer span.End()
	span.SetAttributes(attribute.String("path", dir))

	var manifest artifact.Manifest
	err := rec.Save(ctx, func(ctx context.Context, model, metadata []byte) error {
		m, err := artifact.Commit(ctx, e.blobs, dir, artifact.Bundle{Model: model, Metadata: metadata})
		manifest = m
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, transfer.ErrNotTrained) {
			return fmt.Errorf("%w: %w", ErrNoModel, err)
		}
		return fmt.Errorf("save model: %w", err)
	}
	e.log.Info("model saved", slog.String("path", dir), slog.String("save_id", manifest.SaveID))
	e.record(ctx, "save", "", map[string]any{"path": dir, "save_id": manifest.SaveID})
	return nil
}

// Load restores a transfer model saved under path and switches to
// classifier mode. An empty path is a no-op returning the current model,
// which may be nil.
func (e *Extractor) Load(ctx context.Context, path string) (transfer.Recognizer, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.await(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return e.Recognizer(), nil
	}
	dir := artifact.Dir(path)
	ctx, span := e.tracer.Start(ctx, "soundclass.load")
	defer span.End()
	span.SetAttributes(attribute.String("path", dir))

	rec, err := e.restore(ctx, dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if err := e.stopListening(ctx); err != nil {
		return nil, err
	}
	labels := rec.WordLabels()
	e.mu.Lock()
	e.rec = rec
	e.labels = labels
	e.mode = ModeClassifier
	e.state = StateIdle
	e.mu.Unlock()

	e.log.Info("model loaded", slog.String("path", dir), slog.Int("labels", len(labels)))
	e.record(ctx, "load", "", map[string]any{"path": dir, "word_labels": labels})
	e.notify(ctx)
	return rec, nil
}

func (e *Extractor) restore(ctx context.Context, dir string) (transfer.Recognizer, error) {
	bundle, err := artifact.Open(ctx, e.blobs, dir)
	if err != nil {
		return nil, err
	}
	rec, err := e.base.LoadTransfer(ctx, bundle.Model, bundle.Metadata)
	if err != nil {
		return nil, err
	}
	if err := rec.EnsureModelLoaded(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}
