// Package sink appends parsed rows to durable SQLite storage keyed by
// table and geography.
package sink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/catalog"
	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/planner"
)

// Prometheus metrics for sink operations.
var (
	sinkRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rows_written_total",
		Help: "Data points durably written to the sink",
	})

	sinkTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_transactions_total",
		Help: "Sink transactions by result",
	}, []string{"result"})
)

const schema = `
CREATE TABLE IF NOT EXISTS acs_tables (
    table_id          TEXT PRIMARY KEY,
    table_description TEXT,
    variables_count   INTEGER,
    discovered_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS acs_variables (
    variable_id   TEXT PRIMARY KEY,
    table_id      TEXT,
    discovered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (table_id) REFERENCES acs_tables (table_id)
);
CREATE TABLE IF NOT EXISTS acs_data (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    table_id     TEXT,
    variable_id  TEXT,
    state_fips   TEXT,
    county_fips  TEXT,
    value        TEXT,
    collected_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS collection_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT,
    unit_id       TEXT,
    status        TEXT,
    rows_written  INTEGER,
    error_message TEXT,
    logged_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_data_table    ON acs_data (table_id);
CREATE INDEX IF NOT EXISTS idx_data_variable ON acs_data (variable_id);
CREATE INDEX IF NOT EXISTS idx_data_county   ON acs_data (county_fips);
CREATE INDEX IF NOT EXISTS idx_variables_table ON acs_variables (table_id);`

// Sink writes rows and run bookkeeping to SQLite. Values are stored as
// the strings the provider returned; interpretation is left to readers.
type Sink struct {
	db     *sql.DB
	runID  string
	logger zerolog.Logger
}

// New creates the sink and its tables if missing. Each Sink carries a
// fresh run id for the collection log.
func New(db *sql.DB, logger zerolog.Logger) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create sink tables: %w", err)
	}
	runID := uuid.NewString()
	return &Sink{
		db:     db,
		runID:  runID,
		logger: logger.With().Str("component", "sink").Str("run_id", runID).Logger(),
	}, nil
}

// RunID returns this sink's run identifier.
func (s *Sink) RunID() string {
	return s.runID
}

// RecordCatalog upserts table and variable metadata for one table.
func (s *Sink) RecordCatalog(ctx context.Context, table catalog.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO acs_tables (table_id, table_description, variables_count)
		 VALUES (?, ?, ?)`,
		table.ID, table.Description, len(table.Variables)); err != nil {
		return fmt.Errorf("upsert table %s: %w", table.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO acs_variables (variable_id, table_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare variable insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range table.Variables {
		if _, err := stmt.ExecContext(ctx, v, table.ID); err != nil {
			return fmt.Errorf("insert variable %s: %w", v, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

// AppendRows durably writes one unit's parsed rows in a single
// transaction. The scheduler checkpoints the unit only after this
// returns, so a crash between the two re-fetches rather than loses.
func (s *Sink) AppendRows(ctx context.Context, unit planner.FetchUnit, rows []fetch.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		sinkTxTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("begin rows tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO acs_data (table_id, variable_id, state_fips, county_fips, value)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		sinkTxTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("prepare data insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, row := range rows {
		for _, cell := range row.Cells {
			if _, err := stmt.ExecContext(ctx,
				unit.TableID, cell.Variable, row.StateFIPS, row.CountyFIPS, cell.Value); err != nil {
				sinkTxTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("insert data point: %w", err)
			}
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		sinkTxTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("commit rows tx: %w", err)
	}

	sinkTxTotal.WithLabelValues("ok").Inc()
	sinkRowsWritten.Add(float64(written))

	s.logger.Debug().
		Str("unit_id", unit.ID()).
		Int("data_points", written).
		Msg("Rows written")

	return nil
}

// LogOutcome records one unit's terminal status in the collection log.
func (s *Sink) LogOutcome(ctx context.Context, unitID, status string, rowsWritten int, errMsg string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_log (run_id, unit_id, status, rows_written, error_message)
		 VALUES (?, ?, ?, ?, ?)`,
		s.runID, unitID, status, rowsWritten, errMsg); err != nil {
		return fmt.Errorf("log outcome for %s: %w", unitID, err)
	}
	return nil
}
