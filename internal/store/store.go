// Package store persists benchmark runs and their outcomes in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/matrix"
)

var (
	ErrNotFound  = errors.New("store: run not found")
	ErrAmbiguous = errors.New("store: run id prefix is ambiguous")
)

// Run describes one benchmark invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Device    string
	Runtime   string
	Heads     int
	HeadDim   int
	Seed      uint64
	DType     string

	// Filled in by Runs and Lookup.
	Outcomes int
	Failures int
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, initMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize metadata: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records r, assigning an ID and start time when unset.
func (s *Store) BeginRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, device, runtime, heads, head_dim, seed, dtype)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixNano(), r.Device, r.Runtime, r.Heads, r.HeadDim, int64(r.Seed), r.DType,
	)
	if err != nil {
		return Run{}, fmt.Errorf("store: insert run: %w", err)
	}

	return r, nil
}

// AddOutcome appends o as the seq-th outcome of a run.
func (s *Store) AddOutcome(ctx context.Context, runID string, seq int, o bench.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, seq, name, config, batch, query_len, kv_len, scenario,
		                       success, time_ms, tokens_per_sec, memory_gb, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, o.Name, o.Config, o.Batch, o.QueryLen, o.KVLen, string(o.Scenario),
		o.Success, nullFloat(o.TimeMS), nullFloat(o.TokensPerSec), nullFloat(o.MemoryGB), o.Error,
	)
	if err != nil {
		return fmt.Errorf("store: insert outcome: %w", err)
	}

	return nil
}

const runColumns = `r.id, r.started_at, r.device, r.runtime, r.heads, r.head_dim, r.seed, r.dtype,
	COUNT(o.id), COALESCE(SUM(CASE WHEN o.success = 0 THEN 1 ELSE 0 END), 0)`

// Runs lists runs, newest first. limit <= 0 returns all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT ` + runColumns + `
		FROM runs r LEFT JOIN outcomes o ON o.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC`

	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// Lookup finds the run whose ID starts with prefix.
func (s *Store) Lookup(ctx context.Context, prefix string) (Run, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Run{}, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM runs r LEFT JOIN outcomes o ON o.run_id = r.id
		WHERE r.id LIKE ? ESCAPE '\'
		GROUP BY r.id
		LIMIT 2`, escapeLike(prefix)+"%")
	if err != nil {
		return Run{}, fmt.Errorf("store: query run: %w", err)
	}
	defer rows.Close()

	var found []Run

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return Run{}, err
		}

		found = append(found, r)
	}

	if err := rows.Err(); err != nil {
		return Run{}, fmt.Errorf("store: query run: %w", err)
	}

	switch len(found) {
	case 0:
		return Run{}, fmt.Errorf("%w: %q", ErrNotFound, prefix)
	case 1:
		return found[0], nil
	default:
		return Run{}, fmt.Errorf("%w: %q", ErrAmbiguous, prefix)
	}
}

// Outcomes returns a run's outcomes in the order they were produced.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]bench.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, config, batch, query_len, kv_len, scenario, success,
		        time_ms, tokens_per_sec, memory_gb, error
		 FROM outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query outcomes: %w", err)
	}
	defer rows.Close()

	var out []bench.Outcome

	for rows.Next() {
		var (
			o            bench.Outcome
			scenario     string
			ms, tps, mem sql.NullFloat64
		)

		err := rows.Scan(&o.Name, &o.Config, &o.Batch, &o.QueryLen, &o.KVLen, &scenario, &o.Success,
			&ms, &tps, &mem, &o.Error)
		if err != nil {
			return nil, fmt.Errorf("store: scan outcome: %w", err)
		}

		o.Scenario = matrix.Scenario(scenario)
		o.TimeMS = floatPtr(ms)
		o.TokensPerSec = floatPtr(tps)
		o.MemoryGB = floatPtr(mem)

		out = append(out, o)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r       Run
		started int64
		seed    int64
	)

	err := sc.Scan(&r.ID, &started, &r.Device, &r.Runtime, &r.Heads, &r.HeadDim, &seed, &r.DType,
		&r.Outcomes, &r.Failures)
	if err != nil {
		return Run{}, fmt.Errorf("store: scan run: %w", err)
	}

	r.StartedAt = time.Unix(0, started)
	r.Seed = uint64(seed)

	return r, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}

	v := n.Float64

	return &v
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Recorder streams outcomes of one run into the store as they arrive. Write
// errors are logged and the first one is kept for Err.
type Recorder struct {
	store *Store
	ctx   context.Context
	runID string

	mu  sync.Mutex
	seq int
	err error
}

// Recorder returns a recorder appending to runID.
func (s *Store) Recorder(ctx context.Context, runID string) *Recorder {
	return &Recorder{store: s, ctx: ctx, runID: runID}
}

// BeginConfig is a no-op; outcomes carry their configuration.
func (r *Recorder) BeginConfig(matrix.Configuration) {}

// Outcome persists o.
func (r *Recorder) Outcome(o bench.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A cancelled run still records what it produced.
	if err := r.store.AddOutcome(context.WithoutCancel(r.ctx), r.runID, r.seq, o); err != nil {
		slog.Warn("failed to record outcome", "run", r.runID, "kernel", o.Name, "error", err)

		if r.err == nil {
			r.err = err
		}
	}

	r.seq++
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}
