// Package checkpoint persists completed fetch unit ids so a restarted
// run skips work that already reached durable storage.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for checkpoint operations.
var (
	checkpointRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_checkpoint_records_total",
		Help: "Fetch units durably marked complete",
	})
)

const schema = `
CREATE TABLE IF NOT EXISTS completed_units (
    unit_id      TEXT PRIMARY KEY,
    completed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// Store is an append-only record of completed unit ids backed by
// SQLite, with an in-memory set for lookups. Record is called only
// after the unit's rows are durably written, never before.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu   sync.Mutex
	done map[string]struct{}
}

// New creates the store and its table if missing. Call Load before the
// first Contains.
func New(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "checkpoint").Logger(),
		done:   make(map[string]struct{}),
	}, nil
}

// Load reads all completed unit ids into memory. Called once at run
// start.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id FROM completed_units`)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan checkpoint row: %w", err)
		}
		s.done[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate checkpoints: %w", err)
	}

	s.logger.Info().
		Int("completed_units", len(s.done)).
		Msg("Checkpoints loaded")

	return nil
}

// Contains reports whether a unit id is already complete.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// Record durably marks one unit complete.
func (s *Store) Record(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO completed_units (unit_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("record checkpoint %s: %w", id, err)
	}

	s.mu.Lock()
	s.done[id] = struct{}{}
	s.mu.Unlock()

	checkpointRecordsTotal.Inc()
	return nil
}

// Count returns the number of completed units known to the store.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}
