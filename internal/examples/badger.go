package examples

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

var keyPrefix = []byte("ex/")

// Badger persists examples in BadgerDB. Keys are "ex/<uuidv7>" so iteration
// follows insertion order; values are msgpack-encoded Examples.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("examples: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: log.With(slog.String("component", "examples"))})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open example store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Add(_ context.Context, label string, features []float32) (Example, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Example{}, fmt.Errorf("example id: %w", err)
	}
	ex := Example{
		ID:         id.String(),
		Label:      label,
		Features:   slices.Clone(features),
		CapturedAt: time.Now().UTC(),
	}
	value, err := msgpack.Marshal(&ex)
	if err != nil {
		return Example{}, fmt.Errorf("encode example: %w", err)
	}
	key := append(slices.Clone(keyPrefix), ex.ID...)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return Example{}, fmt.Errorf("store example: %w", err)
	}
	return ex, nil
}

func (b *Badger) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for ex, err := range b.All(ctx) {
		if err != nil {
			return nil, err
		}
		counts[ex.Label]++
	}
	return counts, nil
}

func (b *Badger) Labels(ctx context.Context) ([]string, error) {
	counts, err := b.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return sortedLabels(counts), nil
}

func (b *Badger) All(ctx context.Context) iter.Seq2[Example, error] {
	return func(yield func(Example, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = keyPrefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				val, err := it.Item().ValueCopy(nil)
				if err != nil {
					if !yield(Example{}, err) {
						return nil
					}
					continue
				}
				var ex Example
				if err := msgpack.Unmarshal(val, &ex); err != nil {
					if !yield(Example{}, fmt.Errorf("decode example: %w", err)) {
						return nil
					}
					continue
				}
				if !yield(ex, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Example{}, err)
		}
	}
}

func (b *Badger) Remove(ctx context.Context, label string) error {
	var keys [][]byte
	for ex, err := range b.All(ctx) {
		if err != nil {
			return err
		}
		if ex.Label == label {
			keys = append(keys, append(slices.Clone(keyPrefix), ex.ID...))
		}
	}
	if len(keys) == 0 {
		return ErrNotFound
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Reset(_ context.Context) error {
	return b.db.DropPrefix(keyPrefix)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards warnings and errors to slog and drops the rest.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) { l.log.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, v...))
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
