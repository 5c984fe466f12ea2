package domain

import "errors"

var (
	// ErrOutOfRange is returned for a slide index outside the deck.
	ErrOutOfRange = errors.New("slide index out of range")
	// ErrAlreadyRunning is returned when a code block already has a running execution.
	ErrAlreadyRunning = errors.New("code block already running")
	// ErrNotRunning is returned when killing a code block with no running execution.
	ErrNotRunning = errors.New("code block not running")
	// ErrCodeBlockNotFound is returned for an identity unknown to the current deck.
	ErrCodeBlockNotFound = errors.New("code block not found")
	// ErrRunNotFound is returned for an unknown run.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunAlreadyTerminal is returned when appending to a finished run.
	ErrRunAlreadyTerminal = errors.New("run already terminal")
	// ErrRunNotTerminal is returned when a complete recording is requested for a live run.
	ErrRunNotTerminal = errors.New("run not terminal")
	// ErrProcessSpawnFailed is returned when the subprocess could not start.
	ErrProcessSpawnFailed = errors.New("process spawn failed")
	// ErrSyncGap is reported by a client that missed a sequence number.
	ErrSyncGap = errors.New("sync gap detected")
	// ErrForbidden is returned when an audience connection issues a command.
	ErrForbidden = errors.New("command not allowed for role")
	// ErrInvalidDeck is returned for a deck document that cannot be loaded.
	ErrInvalidDeck = errors.New("invalid deck")
	// ErrInvalidCommand is returned for a malformed client command.
	ErrInvalidCommand = errors.New("invalid command")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrOutOfRange, "out_of_range"},
	{ErrAlreadyRunning, "already_running"},
	{ErrNotRunning, "not_running"},
	{ErrCodeBlockNotFound, "code_block_not_found"},
	{ErrRunNotFound, "run_not_found"},
	{ErrRunAlreadyTerminal, "run_already_terminal"},
	{ErrRunNotTerminal, "run_not_terminal"},
	{ErrProcessSpawnFailed, "process_spawn_failed"},
	{ErrSyncGap, "sync_gap"},
	{ErrForbidden, "forbidden"},
	{ErrInvalidDeck, "invalid_deck"},
	{ErrInvalidCommand, "invalid_command"},
}

// ErrorCode maps err to the stable code sent to presenter views.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
