package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping_timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max_idle_conns must be between 0 and max_open_conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("postgres conn_max_lifetime must be >= 0")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS robotflow_runs (
	run_id       TEXT PRIMARY KEY,
	workflow     TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	steps        JSONB NOT NULL,
	resumed_from TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS robotflow_step_results (
	run_id      TEXT NOT NULL REFERENCES robotflow_runs(run_id),
	step_id     TEXT NOT NULL,
	tool        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL,
	result      JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, step_id)
);`

// PostgresStore is the shared journal used when several robotflow servers
// report into one database.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) BeginRun(ctx context.Context, info orchestrator.RunInfo) error {
	steps, err := json.Marshal(info.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO robotflow_runs (run_id, workflow, fingerprint, steps, resumed_from, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		info.RunID, info.Workflow, info.Fingerprint, steps, info.ResumedFrom, string(info.Status), info.StartedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s already exists", info.RunID)
	}
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status orchestrator.RunStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE robotflow_runs SET status = $2, finished_at = $3 WHERE run_id = $1`, runID, string(status), at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, runID string, r orchestrator.StepResult) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO robotflow_step_results (run_id, step_id, tool, outcome, category, attempts, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		runID, r.StepID, r.Tool, string(r.Outcome), string(r.Category), r.Attempts, b)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s step %s", orchestrator.ErrAlreadyRecorded, runID, r.StepID)
	}
	return err
}

func (s *PostgresStore) Run(ctx context.Context, runID string) (orchestrator.RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow, fingerprint, steps, resumed_from, status, started_at, finished_at
		FROM robotflow_runs WHERE run_id = $1`, runID)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return info, err
}

func (s *PostgresStore) Runs(ctx context.Context) ([]orchestrator.RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow, fingerprint, steps, resumed_from, status, started_at, finished_at
		FROM robotflow_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orchestrator.RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Results(ctx context.Context, runID string) (map[string]orchestrator.StepResult, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT result FROM robotflow_step_results WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]orchestrator.StepResult{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var r orchestrator.StepResult
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out[r.StepID] = r
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (orchestrator.RunInfo, error) {
	var (
		info     orchestrator.RunInfo
		steps    []byte
		status   string
		finished sql.NullTime
	)
	if err := row.Scan(&info.RunID, &info.Workflow, &info.Fingerprint, &steps, &info.ResumedFrom, &status, &info.StartedAt, &finished); err != nil {
		return orchestrator.RunInfo{}, err
	}
	if err := json.Unmarshal(steps, &info.Steps); err != nil {
		return orchestrator.RunInfo{}, fmt.Errorf("decode steps: %w", err)
	}
	info.Status = orchestrator.RunStatus(status)
	if finished.Valid {
		info.FinishedAt = finished.Time
	}
	return info, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
