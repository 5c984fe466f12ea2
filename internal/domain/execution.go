package domain

import (
	"time"
)

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	// StatusRunning means the subprocess is alive and output is being captured.
	StatusRunning ExecutionStatus = "running"
	// StatusSucceeded means the process exited with code 0.
	StatusSucceeded ExecutionStatus = "succeeded"
	// StatusFailed means a nonzero exit or a spawn failure.
	StatusFailed ExecutionStatus = "failed"
	// StatusKilled means the process was stopped by a kill request.
	StatusKilled ExecutionStatus = "killed"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s != StatusRunning
}

// Execution is one invocation of a code block.
type Execution struct {
	CodeBlockID CodeBlockID     `json:"code_block_id"`
	RunID       string          `json:"run_id"`
	Language    string          `json:"language,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
}

// Stream names the output stream of a recording event.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// RecordingEvent is one captured write, timed relative to process start.
type RecordingEvent struct {
	RunID          string `json:"run_id"`
	RelativeTimeMs int64  `json:"t"`
	Stream         Stream `json:"stream"`
	Data           []byte `json:"data"`
}
