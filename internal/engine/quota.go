package engine

import (
	"errors"
	"fmt"
)

// QuotaEnforcer caps the number of segments one flow may run. A segment is
// the flow logic executed between two suspensions; the count is part of the
// checkpoint, so a flow that keeps crashing and recovering still runs out.
// A limit of zero or less disables the cap.
type QuotaEnforcer struct {
	limit    int
	segments int
}

// NewQuotaEnforcer creates a quota of limit segments.
func NewQuotaEnforcer(limit int) *QuotaEnforcer {
	return &QuotaEnforcer{limit: limit}
}

// Check counts the segment about to run for flowID and fails with
// *StepsExceededError once the count passes the limit.
func (q *QuotaEnforcer) Check(flowID string) error {
	q.segments++
	if q.limit > 0 && q.segments > q.limit {
		return &StepsExceededError{FlowID: flowID, Steps: q.segments, Limit: q.limit}
	}
	return nil
}

// Resume continues counting from a checkpointed segment count.
func (q *QuotaEnforcer) Resume(segments int) {
	q.segments = segments
}

// Current returns the number of segments counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.segments
}

// StepsExceededError is the cause of a flow failed for running too many
// segments. The flow itself fails with KindInternal.
type StepsExceededError struct {
	FlowID string
	Steps  int
	Limit  int
}

func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("flow %s ran %d segments, more than its quota of %d", e.FlowID, e.Steps, e.Limit)
}

// IsStepsExceededError reports whether err wraps a *StepsExceededError.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
