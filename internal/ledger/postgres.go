package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresLedger implements Ledger using pgxpool.
type PostgresLedger struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresLedger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: postgres parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: postgres create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ledger: postgres ping")
	}
	return &PostgresLedger{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	units      INTEGER NOT NULL DEFAULT 0,
	aggregates JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_attempts (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(run_id),
	provider   TEXT NOT NULL,
	unit       TEXT NOT NULL,
	asset      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	items      INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	err_class  TEXT,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON provider_attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_unit ON provider_attempts(run_id, unit);
`

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "ledger: postgres migrate")
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

func (l *PostgresLedger) CreateRun(ctx context.Context, runID string, units int) error {
	now := time.Now().UTC()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO runs (run_id, status, units, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		runID, string(model.RunStatusRunning), units, now, now,
	)
	return eris.Wrapf(err, "ledger: insert run %s", runID)
}

func (l *PostgresLedger) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE run_id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("ledger: run not found: %s", runID)
	}
	return nil
}

func (l *PostgresLedger) UpdateRunAggregates(ctx context.Context, runID string, agg model.Aggregates) error {
	aggJSON, err := json.Marshal(agg)
	if err != nil {
		return eris.Wrap(err, "ledger: marshal aggregates")
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE runs SET aggregates = $1, updated_at = $2 WHERE run_id = $3`,
		string(aggJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: update run aggregates %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("ledger: run not found: %s", runID)
	}
	return nil
}

func (l *PostgresLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT run_id, status, units, aggregates, created_at, updated_at FROM runs WHERE run_id = $1`,
		runID,
	)

	var r Run
	var aggJSON *string
	err := row.Scan(&r.RunID, &r.Status, &r.Units, &aggJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("ledger: get run: not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: get run")
	}
	if aggJSON != nil && *aggJSON != "" {
		if err := json.Unmarshal([]byte(*aggJSON), &r.Aggregates); err != nil {
			return nil, eris.Wrap(err, "ledger: unmarshal aggregates")
		}
	}
	return &r, nil
}

func (l *PostgresLedger) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT run_id, status, units, aggregates, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var aggJSON *string
		if err := rows.Scan(&r.RunID, &r.Status, &r.Units, &aggJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "ledger: scan run")
		}
		if aggJSON != nil && *aggJSON != "" {
			if err := json.Unmarshal([]byte(*aggJSON), &r.Aggregates); err != nil {
				return nil, eris.Wrap(err, "ledger: unmarshal aggregates")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "ledger: list runs iterate")
}

func (l *PostgresLedger) RecordAttempt(ctx context.Context, runID string, a model.ProviderAttempt) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO provider_attempts (id, run_id, provider, unit, asset, outcome, items, latency_ms, err_class, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), runID, a.Provider, a.Unit, string(a.Asset), string(a.Outcome),
		a.Items, a.Latency.Milliseconds(), a.ErrClass, a.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "ledger: insert attempt for run %s", runID)
}

func (l *PostgresLedger) ListAttempts(ctx context.Context, runID string) ([]model.ProviderAttempt, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT provider, unit, asset, outcome, items, latency_ms, err_class, error
		 FROM provider_attempts WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list attempts")
	}
	defer rows.Close()

	var attempts []model.ProviderAttempt
	for rows.Next() {
		var a model.ProviderAttempt
		var latencyMS int64
		var errClass, errMsg *string
		if err := rows.Scan(&a.Provider, &a.Unit, &a.Asset, &a.Outcome, &a.Items, &latencyMS, &errClass, &errMsg); err != nil {
			return nil, eris.Wrap(err, "ledger: scan attempt")
		}
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		if errClass != nil {
			a.ErrClass = *errClass
		}
		if errMsg != nil {
			a.Error = *errMsg
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "ledger: list attempts iterate")
}
