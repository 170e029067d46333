package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "ledger: sqlite exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	units      INTEGER NOT NULL DEFAULT 0,
	aggregates TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_attempts (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	provider   TEXT NOT NULL,
	unit       TEXT NOT NULL,
	asset      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	items      INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	err_class  TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON provider_attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_unit ON provider_attempts(run_id, unit);
`

func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "ledger: sqlite migrate")
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) CreateRun(ctx context.Context, runID string, units int) error {
	now := time.Now().UTC()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, units, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(model.RunStatusRunning), units, now, now,
	)
	return eris.Wrapf(err, "ledger: insert run %s", runID)
}

func (l *SQLiteLedger) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: update run status %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (l *SQLiteLedger) UpdateRunAggregates(ctx context.Context, runID string, agg model.Aggregates) error {
	aggJSON, err := json.Marshal(agg)
	if err != nil {
		return eris.Wrap(err, "ledger: marshal aggregates")
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET aggregates = ?, updated_at = ? WHERE run_id = ?`,
		string(aggJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: update run aggregates %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (l *SQLiteLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, status, units, aggregates, created_at, updated_at FROM runs WHERE run_id = ?`,
		runID,
	)
	return scanRun(row)
}

func (l *SQLiteLedger) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT run_id, status, units, aggregates, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "ledger: list runs iterate")
}

func (l *SQLiteLedger) RecordAttempt(ctx context.Context, runID string, a model.ProviderAttempt) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO provider_attempts (id, run_id, provider, unit, asset, outcome, items, latency_ms, err_class, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, a.Provider, a.Unit, string(a.Asset), string(a.Outcome),
		a.Items, a.Latency.Milliseconds(), a.ErrClass, a.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "ledger: insert attempt for run %s", runID)
}

func (l *SQLiteLedger) ListAttempts(ctx context.Context, runID string) ([]model.ProviderAttempt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, unit, asset, outcome, items, latency_ms, err_class, error
		 FROM provider_attempts WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list attempts")
	}
	defer rows.Close()

	var attempts []model.ProviderAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "ledger: list attempts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "ledger: rows affected")
	}
	if n == 0 {
		return eris.Errorf("ledger: run not found: %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var aggJSON sql.NullString

	err := row.Scan(&r.RunID, &r.Status, &r.Units, &aggJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("ledger: run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: scan run")
	}

	if aggJSON.Valid && aggJSON.String != "" {
		if err := json.Unmarshal([]byte(aggJSON.String), &r.Aggregates); err != nil {
			return nil, eris.Wrap(err, "ledger: unmarshal aggregates")
		}
	}
	return &r, nil
}

func scanAttempt(row scannable) (model.ProviderAttempt, error) {
	var a model.ProviderAttempt
	var latencyMS int64
	var errClass, errMsg sql.NullString

	err := row.Scan(&a.Provider, &a.Unit, &a.Asset, &a.Outcome, &a.Items, &latencyMS, &errClass, &errMsg)
	if err != nil {
		return a, eris.Wrap(err, "ledger: scan attempt")
	}
	a.Latency = time.Duration(latencyMS) * time.Millisecond
	a.ErrClass = errClass.String
	a.Error = errMsg.String
	return a, nil
}
