package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// ErrRunNotFound is returned when the ledger has no matching run.
var ErrRunNotFound = errors.New("run not found")

// MemoryLedger opens a private in-memory ledger.
const MemoryLedger = ":memory:"

// Store is the SQLite-backed progress ledger. Rows are only ever inserted,
// except for the run row which is updated once when the run finishes.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Transition is one job state change as recorded in the ledger.
type Transition struct {
	RunID     string
	Index     int
	Geometry  string
	State     api.JobState
	ErrorKind string
	Detail    string
	Artifact  string
	Checksum  string
	Bytes     int64
	At        time.Time
}

func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if path != MemoryLedger {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Writers are serialized through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// BeginRun records a new run. The seed is stored as text because SQLite
// integers are signed.
func (s *Store) BeginRun(ctx context.Context, sum api.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, seed, resolution, requested, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.RunID, strconv.FormatUint(sum.Seed, 10), sum.Resolution, sum.Requested, string(sum.Status), formatTime(sum.Started))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final counts and status of a run.
func (s *Store) FinishRun(ctx context.Context, sum api.RunSummary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET persisted = ?, skipped = ?, abandoned = ?, status = ?, finished_at = ? WHERE id = ?`,
		sum.Persisted, sum.Skipped, sum.Abandoned, string(sum.Status), nullString(formatTime(sum.Finished)), sum.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish %s: %w", sum.RunID, ErrRunNotFound)
	}
	return nil
}

// AppendTransition adds one job state change.
func (s *Store) AppendTransition(ctx context.Context, tr Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	var bytes sql.NullInt64
	if tr.Bytes > 0 {
		bytes = sql.NullInt64{Int64: tr.Bytes, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_log (run_id, job_index, geometry, state, error_kind, detail, artifact, checksum, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.RunID, tr.Index, tr.Geometry, string(tr.State), nullString(tr.ErrorKind), nullString(tr.Detail),
		nullString(tr.Artifact), nullString(tr.Checksum), bytes, formatTime(at))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

const runColumns = `id, seed, resolution, requested, persisted, skipped, abandoned, status, started_at, finished_at`

func scanRun(row *sql.Row) (api.RunSummary, error) {
	var (
		sum      api.RunSummary
		seed     string
		status   string
		started  sql.NullString
		finished sql.NullString
	)
	err := row.Scan(&sum.RunID, &seed, &sum.Resolution, &sum.Requested, &sum.Persisted, &sum.Skipped,
		&sum.Abandoned, &status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, ErrRunNotFound
	}
	if err != nil {
		return sum, fmt.Errorf("scan run: %w", err)
	}
	sum.Seed, err = strconv.ParseUint(seed, 10, 64)
	if err != nil {
		return sum, fmt.Errorf("parse seed %q: %w", seed, err)
	}
	sum.Status = api.RunStatus(status)
	sum.Started = parseTime(started)
	sum.Finished = parseTime(finished)
	return sum, nil
}

// Run loads one run by id.
func (s *Store) Run(ctx context.Context, id string) (api.RunSummary, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
}

// LatestRun loads the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (api.RunSummary, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`))
}

// Transitions lists every recorded transition of a run in insertion order.
func (s *Store) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_index, geometry, state, error_kind, detail, artifact, checksum, bytes, created_at
		 FROM job_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr                                     Transition
			state                                  string
			kind, detail, artifact, checksum, when sql.NullString
			bytes                                  sql.NullInt64
		)
		if err := rows.Scan(&tr.RunID, &tr.Index, &tr.Geometry, &state, &kind, &detail, &artifact, &checksum, &bytes, &when); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.State = api.JobState(state)
		tr.ErrorKind = kind.String
		tr.Detail = detail.String
		tr.Artifact = artifact.String
		tr.Checksum = checksum.String
		tr.Bytes = bytes.Int64
		tr.At = parseTime(when)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// JobStates returns the latest state of every job in a run.
func (s *Store) JobStates(ctx context.Context, runID string) (map[int]api.JobState, error) {
	trs, err := s.Transitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	states := make(map[int]api.JobState)
	for _, tr := range trs {
		states[tr.Index] = tr.State
	}
	return states, nil
}
