package engine

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Start is the resume point of a frame that has not run yet.
const Start = ""

// awaitState describes the receive a frame is parked on.
type awaitState struct {
	SessionKey  string `json:"session_key"`
	SessionID   string `json:"session_id"`
	Topic       string `json:"topic"`
	PayloadType string `json:"payload_type"`
}

// frame is one level of the flow call stack: the root flow or a sub-flow.
//
// Locals is the JSON form of the flow's Logic value. The unexported fields
// live only for the duration of a segment.
type frame struct {
	Serial int64           `json:"serial"`
	Flow   string          `json:"flow"`
	Point  string          `json:"point"`
	Locals json.RawMessage `json:"locals"`
	Step   string          `json:"step,omitempty"`
	Await  *awaitState     `json:"await,omitempty"`

	logic     Logic
	received  json.RawMessage
	subResult json.RawMessage
	subErr    error
	hasSub    bool
}

// clearInputs drops the values handed to the last Call.
func (f *frame) clearInputs() {
	f.received = nil
	f.subResult = nil
	f.subErr = nil
	f.hasSub = false
}

// session is one conversation between a frame of this flow and a party.
//
// Initiator is true on the side that opened the session. Opened is set once
// the first message (carrying the initiating flow name) has been queued.
type session struct {
	Key       string   `json:"key"`
	ID        string   `json:"id"`
	Party     ir.Party `json:"party"`
	Owner     int64    `json:"owner"`
	Initiator bool     `json:"initiator"`
	Opened    bool     `json:"opened"`
	Closed    bool     `json:"closed,omitempty"`
	FlowName  string   `json:"flow_name,omitempty"`
}

func sessionKey(owner int64, party ir.Party) string {
	return strconv.FormatInt(owner, 10) + "|" + string(party)
}

// indexKey routes inbound messages. A node may hold both ends of a session
// when a flow talks to its own party, so the local role is part of the key.
type indexKey struct {
	sessionID string
	initiator bool
}

func (s *session) indexKey() indexKey {
	return indexKey{sessionID: s.ID, initiator: s.Initiator}
}

// continuation is the serialized, resumable state of a flow instance.
type continuation struct {
	Frames   []*frame   `json:"frames"`
	Sessions []*session `json:"sessions"`
	SendSeq  int64      `json:"send_seq"`
	FrameSeq int64      `json:"frame_seq"`
	Segments int        `json:"segments"`
}

// snapshot builds the checkpoint for the instance's current state.
// received is recorded when the flow has just been resumed with a payload.
func (inst *instance) snapshot(received json.RawMessage) (ir.Checkpoint, error) {
	for _, f := range inst.cont.Frames {
		locals, err := json.Marshal(f.logic)
		if err != nil {
			return ir.Checkpoint{}, fmt.Errorf("serialize %s locals: %w", f.Flow, err)
		}
		f.Locals = locals
	}
	inst.cont.Segments = inst.quota.Current()

	data, err := json.Marshal(inst.cont)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("serialize continuation: %w", err)
	}

	cp := ir.Checkpoint{
		FlowID:          inst.flowID,
		Continuation:    data,
		ReceivedPayload: received,
	}
	if aw := inst.top().Await; aw != nil {
		cp.AwaitingTopic = ir.TopicKey(aw.SessionID, aw.Topic)
		cp.AwaitingPayloadType = aw.PayloadType
	}
	return cp, nil
}

// restoreInstance rebuilds a flow instance from its checkpoint.
// Every frame's Logic is re-created through the registry and its locals
// unmarshaled into it.
func restoreInstance(reg *Registry, cp ir.Checkpoint, maxSteps int) (*instance, error) {
	var cont continuation
	if err := json.Unmarshal(cp.Continuation, &cont); err != nil {
		return nil, fmt.Errorf("restore %s: decode continuation: %w", cp.FlowID, err)
	}
	if len(cont.Frames) == 0 {
		return nil, fmt.Errorf("restore %s: continuation has no frames", cp.FlowID)
	}

	for _, f := range cont.Frames {
		logic, err := reg.New(f.Flow)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", cp.FlowID, err)
		}
		if len(f.Locals) > 0 {
			if err := json.Unmarshal(f.Locals, logic); err != nil {
				return nil, fmt.Errorf("restore %s: decode %s locals: %w", cp.FlowID, f.Flow, err)
			}
		}
		f.logic = logic
	}

	inst := &instance{
		flowID:     cp.FlowID,
		cont:       cont,
		sessions:   make(map[string]*session, len(cont.Sessions)),
		quota:      NewQuotaEnforcer(maxSteps),
		checkpoint: &cp,
	}
	inst.quota.Resume(cont.Segments)
	for _, s := range cont.Sessions {
		inst.sessions[s.Key] = s
	}
	if cp.ReceivedPayload != nil {
		inst.top().received = cp.ReceivedPayload
	}
	return inst, nil
}
