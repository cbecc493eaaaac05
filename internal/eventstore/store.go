package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sound/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one lifecycle journal entry.
type Event struct {
	ID        int64
	ModelID   string
	NodeID    string
	Type      string
	Label     string
	Payload   []byte
	CreatedAt time.Time
}

// Model is one transfer model lifetime, opened by a classification reset or
// a load.
type Model struct {
	ID        string
	NodeID    string
	Origin    string
	CreatedAt time.Time
}

// Store is a SQLite-backed lifecycle journal.
type Store struct {
	db     *sql.DB
	cfg    config.EventStoreConfig
	nodeID string
	log    *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	current string
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, nodeID string, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, nodeID: nodeID, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS models (
    model_id TEXT PRIMARY KEY,
    node_id TEXT,
    origin TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_id TEXT NOT NULL,
    node_id TEXT,
    event_type TEXT NOT NULL,
    label TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(model_id) REFERENCES models(model_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_model_created ON events(model_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginModel opens a new model lifetime and makes it current.
func (s *Store) BeginModel(ctx context.Context, origin string) (string, error) {
	id := uuid.NewString()
	if s.enabled() {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO models(model_id, node_id, origin, created_at) VALUES(?, ?, ?, ?)`,
			id, s.nodeID, origin, s.clock().UTC().UnixNano())
		if err != nil {
			return "", fmt.Errorf("insert model: %w", err)
		}
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return id, nil
}

// CurrentModel returns the id of the current model lifetime, or "".
func (s *Store) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// AppendEvent writes evt. Events without a model id join the current model,
// opening one if none exists.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.ModelID == "" {
		evt.ModelID = s.CurrentModel()
		if evt.ModelID == "" {
			id, err := s.BeginModel(ctx, "implicit")
			if err != nil {
				return err
			}
			evt.ModelID = id
		}
	}
	if evt.NodeID == "" {
		evt.NodeID = s.nodeID
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(model_id, node_id, event_type, label, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.ModelID, evt.NodeID, evt.Type, evt.Label, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// Record journals a lifecycle event. "classification" and "load" open a new
// model lifetime first.
func (s *Store) Record(ctx context.Context, kind, label string, payload map[string]any) error {
	if kind == "classification" || kind == "load" {
		if _, err := s.BeginModel(ctx, kind); err != nil {
			return err
		}
	}
	var data []byte
	if len(payload) > 0 {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	return s.AppendEvent(ctx, Event{Type: kind, Label: label, Payload: data})
}

// ListEvents returns up to limit events ordered by time. An empty modelID
// lists across all models.
func (s *Store) ListEvents(ctx context.Context, modelID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, model_id, node_id, event_type, label, payload, created_at FROM events`
	args := []any{}
	if modelID != "" {
		query += ` WHERE model_id = ?`
		args = append(args, modelID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var nodeID, label sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.ModelID, &nodeID, &e.Type, &label, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.NodeID, e.Label = nodeID.String, label.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListModels returns model lifetimes, newest first.
func (s *Store) ListModels(ctx context.Context, limit int) ([]Model, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_id, node_id, origin, created_at FROM models ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var models []Model
	for rows.Next() {
		var m Model
		var nodeID, origin sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &nodeID, &origin, &created); err != nil {
			return nil, err
		}
		m.NodeID, m.Origin = nodeID.String, origin.String
		m.CreatedAt = time.Unix(0, created).UTC()
		models = append(models, m)
	}
	return models, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM models WHERE created_at < ? AND model_id NOT IN (SELECT DISTINCT model_id FROM events)`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
