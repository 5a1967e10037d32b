package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/models"
)

// DatabasePool defines the interface for database pool operations.
// Both *pgxpool.Pool and pgxmock pools satisfy it.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	// Begin starts a transaction.
	Begin(ctx context.Context) (pgx.Tx, error)
}

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS rag_snapshots (
		run_id      TEXT             NOT NULL,
		ts          TIMESTAMPTZ      NOT NULL,
		coin        TEXT             NOT NULL,
		rank        INTEGER          NOT NULL,
		score       DOUBLE PRECISION NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		evidence    INTEGER          NOT NULL,
		mode        TEXT             NOT NULL,
		profile     JSONB            NOT NULL,
		PRIMARY KEY (run_id, coin)
	);
	CREATE INDEX IF NOT EXISTS idx_rag_snapshots_coin_ts ON rag_snapshots (coin, ts DESC);
`

const insertSnapshot = `
	INSERT INTO rag_snapshots (run_id, ts, coin, rank, score, confidence, evidence, mode, profile)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (run_id, coin) DO NOTHING
`

// SnapshotRecord is one asset's row from a published run.
type SnapshotRecord struct {
	RunID      string    `json:"run_id" db:"run_id"`
	TS         time.Time `json:"ts" db:"ts"`
	Coin       string    `json:"coin" db:"coin"`
	Rank       int       `json:"rank" db:"rank"`
	Score      float64   `json:"score" db:"score"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Evidence   int       `json:"evidence" db:"evidence"`
	Mode       string    `json:"mode" db:"mode"`
}

// SnapshotRepository persists every published index to PostgreSQL.
type SnapshotRepository struct {
	pool   DatabasePool
	logger *logrus.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(pool DatabasePool, logger *logrus.Logger) *SnapshotRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &SnapshotRepository{pool: pool, logger: logger}
}

// EnsureSchema creates the snapshot table when missing.
func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("failed to create rag_snapshots: %w", err)
	}
	return nil
}

// Name identifies the mirror in logs and warnings.
func (r *SnapshotRepository) Name() string {
	return "postgres"
}

// Publish inserts one row per asset of ix in a single transaction.
// Republishing the same run is a no-op.
func (r *SnapshotRepository) Publish(ctx context.Context, ix *models.Index) error {
	if ix == nil {
		return errors.New("nothing to publish")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}

	for i, p := range ix.Entries() {
		profile, err := json.Marshal(p)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to encode profile %s: %w", p.Asset, err)
		}
		_, err = tx.Exec(ctx, insertSnapshot,
			ix.RunID, ix.UpdatedAt, p.Asset, i+1, p.Score, p.Confidence, p.Evidence, p.ScoreBreakdown.Mode, profile)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to insert snapshot for %s: %w", p.Asset, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"run_id": ix.RunID,
		"coins":  ix.Len(),
	}).Debug("Snapshot stored in PostgreSQL")
	return nil
}

// History returns the most recent rows for coin, newest first.
func (r *SnapshotRepository) History(ctx context.Context, coin string, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT run_id, ts, coin, rank, score, confidence, evidence, mode
		FROM rag_snapshots
		WHERE coin = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, coin, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.RunID, &rec.TS, &rec.Coin, &rec.Rank, &rec.Score, &rec.Confidence, &rec.Evidence, &rec.Mode); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return out, nil
}

// LatestRun returns the newest stored run. The bool is false when the table is empty.
func (r *SnapshotRepository) LatestRun(ctx context.Context) (string, time.Time, bool, error) {
	var (
		runID string
		ts    time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT run_id, ts FROM rag_snapshots ORDER BY ts DESC LIMIT 1`).Scan(&runID, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to get latest run: %w", err)
	}
	return runID, ts, true, nil
}

// Prune deletes rows older than before and returns how many went.
func (r *SnapshotRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rag_snapshots WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.WithField("rows", n).Info("Pruned old snapshots")
	}
	return tag.RowsAffected(), nil
}
