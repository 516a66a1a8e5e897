package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

// ErrorKind categorizes flow failures.
type ErrorKind string

const (
	// KindProtocolViolation indicates a counterparty sent something the flow
	// did not expect (wrong payload type, unknown state, missing session).
	KindProtocolViolation ErrorKind = "protocol_violation"

	// KindValidationRejected indicates a counterparty declined a proposal.
	KindValidationRejected ErrorKind = "validation_rejected"

	// KindNotarizationFailure indicates the notary refused the transaction.
	KindNotarizationFailure ErrorKind = "notarization_failure"

	// KindUnexpectedFlowEnd indicates the counterparty flow ended while this
	// flow was still waiting on it.
	KindUnexpectedFlowEnd ErrorKind = "unexpected_flow_end"

	// KindNotFound indicates a referenced flow, state or party does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindKilled indicates the flow was terminated by Kill.
	KindKilled ErrorKind = "killed"

	// KindInsufficientFunds indicates the vault could not cover a payment.
	KindInsufficientFunds ErrorKind = "insufficient_funds"

	// KindInternal covers everything else: store failures, panics, quota.
	KindInternal ErrorKind = "internal"
)

// Shareable reports whether a failure of this kind is propagated to the
// counterparty verbatim. Other kinds reach the counterparty as
// KindUnexpectedFlowEnd so local details do not leak.
func (k ErrorKind) Shareable() bool {
	switch k {
	case KindProtocolViolation, KindValidationRejected, KindNotarizationFailure, KindInsufficientFunds:
		return true
	}
	return false
}

// FlowError is the typed failure of a flow.
//
// Remote is set when the failure originated at a counterparty and was
// propagated over a session.
type FlowError struct {
	Kind    ErrorKind
	FlowID  string
	Message string
	Remote  ir.Party
	Cause   error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Remote != "" {
		msg += fmt.Sprintf(" (from %s)", e.Remote)
	}
	if e.FlowID != "" {
		msg += fmt.Sprintf(" (flow=%s)", e.FlowID)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewFlowError creates a FlowError with a formatted message.
func NewFlowError(kind ErrorKind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a FlowError of the given kind around cause.
func WrapError(kind ErrorKind, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: cause.Error(), Cause: cause}
}

// KindOf returns the kind of a flow failure.
// Errors that are not FlowErrors are KindInternal. Nil has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind returns true if err is a FlowError of the given kind.
// Uses errors.As to handle wrapped errors.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// asFlowError normalizes any error into a FlowError owned by flowID.
func asFlowError(flowID string, err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		out := *fe
		if out.FlowID == "" {
			out.FlowID = flowID
		}
		return &out
	}
	return &FlowError{Kind: KindInternal, FlowID: flowID, Message: err.Error(), Cause: err}
}

// ErrUnknownFlow is returned when a flow name has no registered factory.
var ErrUnknownFlow = errors.New("unknown flow")
