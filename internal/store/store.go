// Package store keeps a SQLite history of job records. It implements the
// registry's status sink so every lifecycle event lands in the jobs table.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/stagehand/pkg/api"
)

// MemoryDSN keeps the history for the lifetime of the process only.
const MemoryDSN = ":memory:"

// Store is a SQLite-backed job history. Output and error byte counts are
// kept in memory while a job runs and written when it completes, so the
// output path never waits on the database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu    sync.Mutex
	bytes map[string]*byteCount
}

type byteCount struct {
	output, errors int
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (or creates) the database at dsn and applies the schema. An
// empty dsn means MemoryDSN.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		bytes:  map[string]*byteCount{},
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(op, query string, args ...any) {
	if _, err := s.db.Exec(query, args...); err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("job history write failed")
	}
}

func (s *Store) JobStarted(rec api.JobRecord) {
	s.mu.Lock()
	s.bytes[rec.ID] = &byteCount{}
	s.mu.Unlock()
	s.exec("start",
		`INSERT OR REPLACE INTO jobs (id, parent_id, kind, name, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParentID, string(rec.Kind), rec.Name, string(rec.Status), formatTime(rec.StartedAt))
}

func (s *Store) OutputAppended(id, text string) {
	s.mu.Lock()
	if c, ok := s.bytes[id]; ok {
		c.output += len(text)
	}
	s.mu.Unlock()
}

func (s *Store) ErrorAppended(id, text string) {
	s.mu.Lock()
	if c, ok := s.bytes[id]; ok {
		c.errors += len(text)
	}
	s.mu.Unlock()
}

func (s *Store) ProcessesTracked(id string, pids, ports []int) {
	s.exec("processes", `UPDATE jobs SET pids = ?, ports = ? WHERE id = ?`, encodeInts(pids), encodeInts(ports), id)
}

func (s *Store) JobCompleted(rec api.JobRecord) {
	s.mu.Lock()
	c := s.bytes[rec.ID]
	delete(s.bytes, rec.ID)
	s.mu.Unlock()
	if c == nil {
		c = &byteCount{}
	}
	s.exec("complete",
		`UPDATE jobs SET status = ?, tolerated = ?, ended_at = ?, error = ?,
			output_bytes = output_bytes + ?, error_bytes = error_bytes + ? WHERE id = ?`,
		string(rec.Status), rec.Tolerated, formatTime(rec.EndedAt), rec.Error, c.output, c.errors, rec.ID)
}

// Job is one row of the history.
type Job struct {
	ID          string
	ParentID    string
	Kind        api.JobKind
	Name        string
	Status      api.JobStatus
	Tolerated   bool
	StartedAt   time.Time
	EndedAt     time.Time
	OutputBytes int
	ErrorBytes  int
	PIDs        []int
	Ports       []int
	Error       string
}

// Count is the number of jobs of one kind in one status.
type Count struct {
	Kind   api.JobKind
	Status api.JobStatus
	N      int
}

// Summary counts jobs by kind and status.
func (s *Store) Summary(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, status, COUNT(*) FROM jobs GROUP BY kind, status ORDER BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()
	var out []Count
	for rows.Next() {
		var c Count
		var kind, status string
		if err := rows.Scan(&kind, &status, &c.N); err != nil {
			return nil, err
		}
		c.Kind, c.Status = api.JobKind(kind), api.JobStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// jobs lists jobs in start order, optionally restricted to one status.
func (s *Store) jobs(ctx context.Context, status api.JobStatus) ([]Job, error) {
	query := `SELECT id, parent_id, kind, name, status, tolerated, started_at, ended_at,
		output_bytes, error_bytes, pids, ports, error FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		var kind, st, started, ended, pids, ports string
		if err := rows.Scan(&j.ID, &j.ParentID, &kind, &j.Name, &st, &j.Tolerated, &started, &ended,
			&j.OutputBytes, &j.ErrorBytes, &pids, &ports, &j.Error); err != nil {
			return nil, err
		}
		j.Kind, j.Status = api.JobKind(kind), api.JobStatus(st)
		j.StartedAt = parseTime(started)
		j.EndedAt = parseTime(ended)
		j.PIDs = decodeInts(pids)
		j.Ports = decodeInts(ports)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Failed lists failed jobs, tolerated ones included.
func (s *Store) Failed(ctx context.Context) ([]Job, error) {
	return s.jobs(ctx, api.JobFailed)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeInts(v []int) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeInts(v string) []int {
	var out []int
	_ = json.Unmarshal([]byte(v), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}
