// Package store provides persistence for finished executions and their recordings.
package store

import (
	"context"

	"github.com/ashureev/livedeck/internal/domain"
)

// Archive persists terminal runs so their recordings outlive in-memory
// eviction, deck reloads and restarts.
type Archive interface {
	// ArchiveRun stores exec and its complete recording. Archiving the same
	// run again replaces the stored copy.
	ArchiveRun(ctx context.Context, exec domain.Execution, events []domain.RecordingEvent) error

	// GetRun retrieves an archived run.
	GetRun(ctx context.Context, runID string) (domain.Execution, error)

	// GetRecording retrieves the ordered recording of an archived run.
	GetRecording(ctx context.Context, runID string) ([]domain.RecordingEvent, error)

	// ListRuns returns the newest archived runs of a code block, newest first.
	ListRuns(ctx context.Context, codeBlockID domain.CodeBlockID, limit int) ([]domain.Execution, error)

	// PruneRuns keeps the newest keepPerBlock runs of every code block and
	// deletes the rest.
	PruneRuns(ctx context.Context, keepPerBlock int) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
