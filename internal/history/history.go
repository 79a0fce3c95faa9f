package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/pkg/logger"
)

// DispatchRecord is one dispatch as written to the audit log
type DispatchRecord struct {
	DispatchID     string                   `json:"dispatch_id"`
	Kind           string                   `json:"kind"` // "search", "discover", "control"
	UserID         string                   `json:"user_id,omitempty"`
	Query          string                   `json:"query,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
	TotalLatencyMs float64                  `json:"total_latency_ms"`
	ProviderCount  int                      `json:"provider_count"`
	MergedCount    int                      `json:"merged_count"`
	Outcomes       []models.ProviderOutcome `json:"outcomes,omitempty"`
}

// Store is the SQLite-backed dispatch audit log. Writes are best-effort
// from the orchestrator's point of view; the read side feeds the history
// endpoint and failure queries.
type Store struct {
	db *sql.DB
}

// NewStore opens the history database, enabling WAL mode for concurrent
// readers alongside the dispatch write path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	logger.Info("history store initialized", zap.String("path", dbPath))
	return s, nil
}

// migrate creates the necessary tables if they don't exist
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatches (
		dispatch_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT,
		query TEXT,
		ts DATETIME NOT NULL,
		total_latency_ms REAL NOT NULL,
		provider_count INTEGER NOT NULL,
		merged_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		dispatch_id TEXT NOT NULL REFERENCES dispatches(dispatch_id),
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		latency_ms REAL NOT NULL,
		result_count INTEGER NOT NULL,
		error TEXT,
		served_by TEXT,
		cost REAL,
		attempts INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dispatches_ts ON dispatches(ts);
	CREATE INDEX IF NOT EXISTS idx_outcomes_dispatch ON outcomes(dispatch_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_provider ON outcomes(provider);
	`
	_, err := s.db.Exec(query)
	return err
}

// Append writes one dispatch and its outcomes in a single transaction
func (s *Store) Append(rec DispatchRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO dispatches (dispatch_id, kind, user_id, query, ts, total_latency_ms, provider_count, merged_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DispatchID, rec.Kind, rec.UserID, rec.Query, rec.Timestamp,
		rec.TotalLatencyMs, rec.ProviderCount, rec.MergedCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch: %w", err)
	}

	for _, outcome := range rec.Outcomes {
		servedBy := ""
		if outcome.ServedBy != nil {
			servedBy = outcome.ServedBy.Provider
			if outcome.ServedBy.Target != "" {
				servedBy += "/" + outcome.ServedBy.Target
			}
		}
		_, err = tx.Exec(
			`INSERT INTO outcomes (dispatch_id, provider, status, latency_ms, result_count, error, served_by, cost, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.DispatchID, outcome.Provider, string(outcome.Status), outcome.LatencyMs,
			len(outcome.Results), outcome.Error, servedBy, outcome.Cost, outcome.Attempts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns the newest dispatches, outcomes included, newest first
func (s *Store) Recent(limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT dispatch_id, kind, user_id, query, ts, total_latency_ms, provider_count, merged_count
		 FROM dispatches ORDER BY ts DESC, dispatch_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		if err := rows.Scan(&rec.DispatchID, &rec.Kind, &rec.UserID, &rec.Query,
			&rec.Timestamp, &rec.TotalLatencyMs, &rec.ProviderCount, &rec.MergedCount); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		outcomes, err := s.outcomesFor(records[i].DispatchID)
		if err != nil {
			return nil, err
		}
		records[i].Outcomes = outcomes
	}
	return records, nil
}

func (s *Store) outcomesFor(dispatchID string) ([]models.ProviderOutcome, error) {
	rows, err := s.db.Query(
		`SELECT provider, status, latency_ms, error, served_by, cost, attempts
		 FROM outcomes WHERE dispatch_id = ?`, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.ProviderOutcome
	for rows.Next() {
		var o models.ProviderOutcome
		var status, servedBy string
		if err := rows.Scan(&o.Provider, &status, &o.LatencyMs, &o.Error, &servedBy, &o.Cost, &o.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = models.OutcomeStatus(status)
		if servedBy != "" {
			ref := models.FallbackRef{Provider: servedBy}
			if i := strings.Index(servedBy, "/"); i >= 0 {
				ref.Provider, ref.Target = servedBy[:i], servedBy[i+1:]
			}
			o.ServedBy = &ref
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ProviderFailures counts non-success outcomes for one provider since
// the given time. Used by operators chasing a flapping integration.
func (s *Store) ProviderFailures(provider string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM outcomes o
		 JOIN dispatches d ON d.dispatch_id = o.dispatch_id
		 WHERE o.provider = ? AND d.ts >= ? AND o.status NOT IN ('ok', 'fallback_used')`,
		provider, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}
