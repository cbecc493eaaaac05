// Package examples keeps the labeled feature vectors a transfer head is
// trained on.
package examples

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/loqalabs/loqa-sound/internal/config"
)

// ErrNotFound is returned when a label has no stored examples.
var ErrNotFound = errors.New("examples: not found")

// Example is one captured embedding.
type Example struct {
	ID         string    `msgpack:"id"`
	Label      string    `msgpack:"label"`
	Features   []float32 `msgpack:"features"`
	CapturedAt time.Time `msgpack:"captured_at"`
}

// Store accumulates examples per label.
type Store interface {
	Add(ctx context.Context, label string, features []float32) (Example, error)
	// Counts returns the number of examples per label.
	Counts(ctx context.Context) (map[string]int, error)
	// Labels returns the distinct labels in lexicographic order.
	Labels(ctx context.Context) ([]string, error)
	// All iterates every example in insertion order.
	All(ctx context.Context) iter.Seq2[Example, error]
	// Remove drops every example stored under label.
	Remove(ctx context.Context, label string) error
	Reset(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Backend.
func Open(cfg config.ExamplesConfig, log *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "badger":
		return NewBadger(BadgerOptions{Dir: cfg.Dir, Logger: log})
	default:
		return nil, fmt.Errorf("examples: unsupported backend %q", cfg.Backend)
	}
}

func sortedLabels(counts map[string]int) []string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
