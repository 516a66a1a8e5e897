package ir

import "encoding/json"

// Party is the legal identity of a node on the network.
type Party string

// MessageKind distinguishes application payloads from session lifecycle signals.
type MessageKind string

const (
	// KindData carries an application payload on a topic.
	KindData MessageKind = "data"

	// KindEnd tells the counterparty the sending flow completed normally.
	KindEnd MessageKind = "end"

	// KindError tells the counterparty the sending flow failed.
	KindError MessageKind = "error"
)

// Checkpoint is an immutable snapshot of a flow instance.
//
// A checkpoint is written every time a flow is about to suspend, replaced on
// every subsequent suspension and removed when the flow terminates.
// Continuation holds the serialized frame stack; the remaining fields describe
// what the flow is waiting for, or the payload it was resumed with.
type Checkpoint struct {
	FlowID              string          `json:"flow_id"`
	Continuation        []byte          `json:"continuation"`
	AwaitingTopic       string          `json:"awaiting_topic,omitempty"`
	AwaitingPayloadType string          `json:"awaiting_payload_type,omitempty"`
	ReceivedPayload     json.RawMessage `json:"received_payload,omitempty"`
}

// ID returns the content identity of the checkpoint.
// Two checkpoints with the same flow id and the same ID are the same snapshot.
func (c Checkpoint) ID() string {
	return CheckpointID(c)
}

// Awaiting reports whether the checkpoint describes a parked flow.
func (c Checkpoint) Awaiting() bool {
	return c.AwaitingTopic != ""
}

// SessionMessage is the envelope exchanged between flows on two nodes.
//
// ID is derived from the sending flow and its send sequence, so a flow that
// replays a segment after a crash re-sends byte-identical messages and the
// receiver can discard the duplicates.
type SessionMessage struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	From        Party           `json:"from"`
	To          Party           `json:"to"`
	Topic       string          `json:"topic,omitempty"`
	Kind        MessageKind     `json:"kind"`
	PayloadType string          `json:"payload_type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// InitiatorFlow is set on the first message of a session only. It names
	// the flow that opened the session so the receiver can start its responder.
	InitiatorFlow string `json:"initiator_flow,omitempty"`

	// FromInitiator is true when the sender is the side that opened the session.
	FromInitiator bool `json:"from_initiator"`

	// ErrorKind and Error describe the failure carried by a KindError message.
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TopicKey joins a session id and a topic into the awaiting-topic form stored
// on checkpoints.
func TopicKey(sessionID, topic string) string {
	return sessionID + "/" + topic
}
