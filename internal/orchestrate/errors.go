package orchestrate

import "errors"

// Error kinds surfaced by the Orchestration Loop. Tool-level failures
// (timeout, failure, unknown tool, unauthorized) never reach here: the
// Dispatcher converts them into retry-prompt parts locally. The errors below
// propagate to the caller after the history is sanitized as far as
// possible.
var (
	// ErrUserCancel indicates the caller's cancel flag was observed at a
	// suspension point. The loop stops, sanitizes, and returns a Run
	// marked cancelled rather than returning this error.
	ErrUserCancel = errors.New("orchestrate: request cancelled")

	// ErrModelStream wraps a failure from the model client's Stream call.
	ErrModelStream = errors.New("orchestrate: model stream failed")

	// ErrToolBatchingSchema indicates the stream produced a malformed
	// tool-call (e.g. unparseable arguments) that the dispatcher cannot
	// resolve to a well-formed part.
	ErrToolBatchingSchema = errors.New("orchestrate: malformed tool call in model stream")
)
