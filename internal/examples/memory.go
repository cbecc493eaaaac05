package examples

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	items []Example
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Add(_ context.Context, label string, features []float32) (Example, error) {
	ex := Example{
		ID:         uuid.NewString(),
		Label:      label,
		Features:   slices.Clone(features),
		CapturedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.items = append(m.items, ex)
	m.mu.Unlock()
	return ex, nil
}

func (m *Memory) Counts(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, ex := range m.items {
		counts[ex.Label]++
	}
	return counts, nil
}

func (m *Memory) Labels(ctx context.Context) ([]string, error) {
	counts, err := m.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return sortedLabels(counts), nil
}

func (m *Memory) All(_ context.Context) iter.Seq2[Example, error] {
	m.mu.RLock()
	snapshot := slices.Clone(m.items)
	m.mu.RUnlock()
	return func(yield func(Example, error) bool) {
		for _, ex := range snapshot {
			if !yield(ex, nil) {
				return
			}
		}
	}
}

func (m *Memory) Remove(_ context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.items)
	m.items = slices.DeleteFunc(m.items, func(ex Example) bool { return ex.Label == label })
	if len(m.items) == before {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
