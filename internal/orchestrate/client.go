package orchestrate

import "context"

// ModelClient streams one model iteration's events given the current
// history and a model identifier. The returned channel must be closed
// after a NodeDone or NodeError event, and must support cancellation via
// ctx.
type ModelClient interface {
	Stream(ctx context.Context, history []Message, modelID string) (<-chan NodeEvent, error)
}

// ModelClientFunc adapts a plain function to ModelClient.
type ModelClientFunc func(ctx context.Context, history []Message, modelID string) (<-chan NodeEvent, error)

func (f ModelClientFunc) Stream(ctx context.Context, history []Message, modelID string) (<-chan NodeEvent, error) {
	return f(ctx, history, modelID)
}
