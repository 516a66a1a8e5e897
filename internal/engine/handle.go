package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handle tracks the outcome of one flow instance.
type Handle struct {
	FlowID string

	done   chan struct{}
	result json.RawMessage
	err    error
}

func newHandle(flowID string) *Handle {
	return &Handle{FlowID: flowID, done: make(chan struct{})}
}

// Done is closed when the flow completes, fails or is killed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the flow terminates or ctx is done.
// A failed flow returns its *FlowError.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		if h.err != nil {
			return nil, h.err
		}
		return h.result, nil
	}
}

// resolve records the outcome. Called once, from the loop.
func (h *Handle) resolve(result json.RawMessage, err *FlowError) {
	h.result = result
	if err != nil {
		h.err = err
	}
	close(h.done)
}

// Await waits for the flow behind h and decodes its result into T.
func Await[T any](ctx context.Context, h *Handle) (T, error) {
	var out T
	raw, err := h.Result(ctx)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of flow %s: %w", h.FlowID, err)
	}
	return out, nil
}
