package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg config.StoreConfig
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    model TEXT,
    question TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    final_text TEXT,
    citations TEXT,
    iterations INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    warning TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    name TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    text_content TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_seq ON run_events(run_id, sequence);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_messages_seq ON run_messages(run_id, sequence);
`

// schemaVersion is the current schema version. Bump it together with a new
// entry in migrations when the schema changes.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations []migration

// Open opens (creating if needed) the run database at path.
func Open(path string, cfg config.StoreConfig) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg}
	if err := s.cleanup(context.Background()); err != nil {
		slog.Warn("run store cleanup failed", "err", err)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == nil && current >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	if err != nil {
		if err != sql.ErrNoRows && !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("get current version: %w", err)
		}
		// Fresh database: the base schema is already current.
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

// cleanup removes old runs based on configuration.
func (s *SQLiteStore) cleanup(ctx context.Context) error {
	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?", cutoff); err != nil {
			return fmt.Errorf("delete old runs: %w", err)
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM runs WHERE id IN (
				SELECT id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxRuns)
		if err != nil {
			return fmt.Errorf("enforce max runs: %w", err)
		}
	}
	// Runs still marked running were cut off by a restart.
	_, err := s.db.ExecContext(ctx, "UPDATE runs SET status = ? WHERE status = ?", StatusAbandoned, StatusRunning)
	return err
}

// CreateRun inserts a new run in the running state.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, provider, model, question, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Provider, nullString(run.Model), run.Question, string(run.Status), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, result *llm.RunResult, runErr error) error {
	var (
		finalText, warning, errText string
		citations                   = []string{}
		iterations, inTok, outTok   int
	)
	if result != nil {
		finalText = result.Text
		if result.Citations != nil {
			citations = result.Citations
		}
		iterations = result.Iterations
		inTok = result.Usage.InputTokens
		outTok = result.Usage.OutputTokens
		if result.Warning != nil {
			warning = result.Warning.Error()
		}
	}
	if runErr != nil {
		errText = runErr.Error()
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, final_text = ?, citations = ?, iterations = ?,
		       input_tokens = ?, output_tokens = ?, warning = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(statusFor(result, runErr)), finalText, string(citationsJSON), iterations,
		inTok, outTok, nullString(warning), nullString(errText), time.Now(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// AppendEvent stores one emitted client event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, runID string, seq int, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, sequence, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, seq, name, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AddMessages appends the messages one iteration added to the conversation.
func (s *SQLiteStore) AddMessages(ctx context.Context, runID string, iteration int, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM run_messages WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("serialize parts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_messages (run_id, iteration, sequence, role, parts, text_content)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, iteration, seq, string(msg.Role), string(parts), msg.Text())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil, nil when there is none.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, model, question, status, final_text, citations, iterations,
		       input_tokens, output_tokens, warning, error, created_at, finished_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, question, status, final_text, citations, iterations,
		       input_tokens, output_tokens, warning, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var model, finalText, citations, warning, errText sql.NullString
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.Provider, &model, &run.Question, &run.Status, &finalText,
		&citations, &run.Iterations, &run.InputTokens, &run.OutputTokens, &warning, &errText,
		&run.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Model = model.String
	run.FinalText = finalText.String
	run.Warning = warning.String
	run.Error = errText.String
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.Citations = []string{}
	if citations.Valid && citations.String != "" {
		if err := json.Unmarshal([]byte(citations.String), &run.Citations); err != nil {
			return nil, fmt.Errorf("decode citations: %w", err)
		}
	}
	return &run, nil
}

// Events returns a run's events in emission order.
func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, name, payload, created_at
		FROM run_events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.Sequence, &ev.Name, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Messages returns a run's recorded conversation in order.
func (s *SQLiteStore) Messages(ctx context.Context, runID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, sequence, role, parts, text_content
		FROM run_messages WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var parts string
		var text sql.NullString
		if err := rows.Scan(&msg.Iteration, &msg.Sequence, &msg.Role, &parts, &text); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		msg.TextContent = text.String
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
