package examples

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/loqalabs/loqa-sound/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBadgerStore(t *testing.T) Store {
	t.Helper()
	s, err := NewBadger(BadgerOptions{InMemory: true, Logger: newLogger()})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemory(),
		"badger": newBadgerStore(t),
	}
}

func TestStoreCountsAndLabels(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, label := range []string{"yes", "no", "yes", "_background_noise_", "yes"} {
				if _, err := s.Add(ctx, label, []float32{1, 2}); err != nil {
					t.Fatalf("add %s: %v", label, err)
				}
			}
			counts, err := s.Counts(ctx)
			if err != nil {
				t.Fatalf("counts: %v", err)
			}
			if counts["yes"] != 3 || counts["no"] != 1 || counts["_background_noise_"] != 1 {
				t.Fatalf("unexpected counts %v", counts)
			}
			labels, err := s.Labels(ctx)
			if err != nil {
				t.Fatalf("labels: %v", err)
			}
			want := []string{"_background_noise_", "no", "yes"}
			if !slices.Equal(labels, want) {
				t.Fatalf("labels = %v, want %v", labels, want)
			}
		})
	}
}

func TestStoreAllPreservesOrderAndCopiesFeatures(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			vec := []float32{0.5, 0.25}
			if _, err := s.Add(ctx, "a", vec); err != nil {
				t.Fatalf("add: %v", err)
			}
			vec[0] = 99
			if _, err := s.Add(ctx, "b", []float32{3}); err != nil {
				t.Fatalf("add: %v", err)
			}

			var got []Example
			for ex, err := range s.All(ctx) {
				if err != nil {
					t.Fatalf("iterate: %v", err)
				}
				got = append(got, ex)
			}
			if len(got) != 2 || got[0].Label != "a" || got[1].Label != "b" {
				t.Fatalf("unexpected examples %+v", got)
			}
			if got[0].Features[0] != 0.5 {
				t.Fatalf("stored features were aliased: %v", got[0].Features)
			}
			if got[0].ID == "" || got[0].CapturedAt.IsZero() {
				t.Fatalf("expected id and timestamp, got %+v", got[0])
			}
		})
	}
}

func TestStoreRemoveAndReset(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.Add(ctx, "a", []float32{1})
			s.Add(ctx, "b", []float32{2})

			if err := s.Remove(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Remove(ctx, "a"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			labels, _ := s.Labels(ctx)
			if !slices.Equal(labels, []string{"b"}) {
				t.Fatalf("labels after remove = %v", labels)
			}

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("reset: %v", err)
			}
			counts, _ := s.Counts(ctx)
			if len(counts) != 0 {
				t.Fatalf("expected empty store, got %v", counts)
			}
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewBadger(BadgerOptions{Dir: dir, Logger: newLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Add(ctx, "clap", []float32{1, 2, 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewBadger(BadgerOptions{Dir: dir, Logger: newLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["clap"] != 1 {
		t.Fatalf("expected persisted example, got %v", counts)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open(config.ExamplesConfig{Backend: "memory"}, newLogger())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", s)
	}
	if _, err := Open(config.ExamplesConfig{Backend: "redis"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
