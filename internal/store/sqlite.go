package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/livedeck/internal/domain"
)

// SQLiteStore implements Archive using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed archive.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		run_id TEXT PRIMARY KEY,
		code_block_id TEXT NOT NULL,
		language TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		exit_code INTEGER,
		event_count INTEGER NOT NULL,
		byte_count INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_block ON executions(code_block_id, started_at);

	CREATE TABLE IF NOT EXISTS recording_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		t_ms INTEGER NOT NULL,
		stream TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ArchiveRun stores exec and events in one transaction.
func (s *SQLiteStore) ArchiveRun(ctx context.Context, exec domain.Execution, events []domain.RecordingEvent) error {
	if !exec.Status.Terminal() {
		return fmt.Errorf("archive run %s: %w", exec.RunID, domain.ErrRunNotTerminal)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bytes int64
	for _, ev := range events {
		bytes += int64(len(ev.Data))
	}

	var endedAt, exitCode any
	if exec.EndedAt != nil {
		endedAt = exec.EndedAt.UnixMilli()
	}
	if exec.ExitCode != nil {
		exitCode = *exec.ExitCode
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO executions (run_id, code_block_id, language, status, started_at, ended_at, exit_code, event_count, byte_count, archived_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		status = excluded.status,
		ended_at = excluded.ended_at,
		exit_code = excluded.exit_code,
		event_count = excluded.event_count,
		byte_count = excluded.byte_count,
		archived_at = excluded.archived_at`,
		exec.RunID, string(exec.CodeBlockID), exec.Language, string(exec.Status),
		exec.StartedAt.UnixMilli(), endedAt, exitCode,
		len(events), bytes, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert execution %s: %w", exec.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recording_events WHERE run_id = ?`, exec.RunID); err != nil {
		return fmt.Errorf("clear recording %s: %w", exec.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO recording_events (run_id, seq, t_ms, stream, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare recording insert: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		data := ev.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, exec.RunID, i, ev.RelativeTimeMs, string(ev.Stream), data); err != nil {
			return fmt.Errorf("insert recording event %s/%d: %w", exec.RunID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive %s: %w", exec.RunID, err)
	}
	return nil
}

const executionColumns = `run_id, code_block_id, language, status, started_at, ended_at, exit_code`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		exec              domain.Execution
		blockID, status   string
		startedAt         int64
		endedAt, exitCode sql.NullInt64
	)
	if err := row.Scan(&exec.RunID, &blockID, &exec.Language, &status, &startedAt, &endedAt, &exitCode); err != nil {
		return domain.Execution{}, err
	}
	exec.CodeBlockID = domain.CodeBlockID(blockID)
	exec.Status = domain.ExecutionStatus(status)
	exec.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		exec.EndedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	return exec, nil
}

// GetRun retrieves an archived run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("scan execution row: %w", err)
	}
	return exec, nil
}

// GetRecording retrieves the events of an archived run in order.
func (s *SQLiteStore) GetRecording(ctx context.Context, runID string) ([]domain.RecordingEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT t_ms, stream, data FROM recording_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query recording %s: %w", runID, err)
	}
	defer rows.Close()

	events := []domain.RecordingEvent{}
	for rows.Next() {
		ev := domain.RecordingEvent{RunID: runID}
		var stream string
		if err := rows.Scan(&ev.RelativeTimeMs, &stream, &ev.Data); err != nil {
			return nil, fmt.Errorf("scan recording event: %w", err)
		}
		ev.Stream = domain.Stream(stream)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recording %s: %w", runID, err)
	}
	return events, nil
}

// ListRuns returns up to limit archived runs of a code block, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, codeBlockID domain.CodeBlockID, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE code_block_id = ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`, string(codeBlockID), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs of %s: %w", codeBlockID, err)
	}
	defer rows.Close()

	runs := []domain.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		runs = append(runs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs of %s: %w", codeBlockID, err)
	}
	return runs, nil
}

// PruneRuns deletes all but the newest keepPerBlock runs of each code block.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keepPerBlock int) (int64, error) {
	if keepPerBlock < 0 {
		keepPerBlock = 0
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM (
			SELECT run_id, ROW_NUMBER() OVER (
				PARTITION BY code_block_id ORDER BY started_at DESC, run_id DESC
			) AS rn
			FROM executions
		) WHERE rn > ?`, keepPerBlock)
	if err != nil {
		return 0, fmt.Errorf("query prunable runs: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan prunable run: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate prunable runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recording_events WHERE run_id IN (`+placeholders+`)`, ids...); err != nil {
		return 0, fmt.Errorf("delete pruned recordings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE run_id IN (`+placeholders+`)`, ids...)
	if err != nil {
		return 0, fmt.Errorf("delete pruned runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return res.RowsAffected()
}
