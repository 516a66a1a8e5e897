package engine

import (
	"github.com/roach88/ledgerflow/internal/ir"
)

// lifecycle is the loop's view of a flow instance.
//
//	created -> running <-> suspended -> done
type lifecycle int

const (
	stateCreated lifecycle = iota
	stateRunning
	stateSuspended
	stateDone
)

func (l lifecycle) String() string {
	switch l {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateSuspended:
		return "suspended"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// instance is the live form of one flow.
//
// Ownership: while a segment runs, the worker owns every field except state,
// killRequested and handle, which only the loop touches. The loop reads the
// continuation only while the instance is suspended.
type instance struct {
	flowID     string
	cont       continuation
	sessions   map[string]*session
	checkpoint *ir.Checkpoint
	quota      *QuotaEnforcer

	// unconsumed is the id of an inbound message that ended a receive
	// without producing a checkpoint. It is consumed by the next commit.
	unconsumed string
	outbox     []ir.SessionMessage

	state         lifecycle
	killRequested bool
	handle        *Handle
}

// newInstance creates a flow instance whose root frame runs logic.
func newInstance(flowID string, logic Logic, maxSteps int) *instance {
	inst := &instance{
		flowID:   flowID,
		sessions: make(map[string]*session),
		quota:    NewQuotaEnforcer(maxSteps),
	}
	inst.push(logic)
	return inst
}

func (inst *instance) top() *frame {
	return inst.cont.Frames[len(inst.cont.Frames)-1]
}

func (inst *instance) depth() int {
	return len(inst.cont.Frames)
}

// push starts a new frame for logic on top of the stack.
func (inst *instance) push(logic Logic) *frame {
	f := &frame{
		Serial: inst.cont.FrameSeq,
		Flow:   logic.FlowName(),
		Point:  Start,
		logic:  logic,
	}
	inst.cont.FrameSeq++
	inst.cont.Frames = append(inst.cont.Frames, f)
	return f
}

// pop removes the top frame and returns it.
func (inst *instance) pop() *frame {
	n := len(inst.cont.Frames)
	f := inst.cont.Frames[n-1]
	inst.cont.Frames[n-1] = nil
	inst.cont.Frames = inst.cont.Frames[:n-1]
	return f
}

func (inst *instance) addSession(s *session) {
	inst.cont.Sessions = append(inst.cont.Sessions, s)
	inst.sessions[s.Key] = s
}

// path returns the progress steps of every frame from the root down.
func (inst *instance) path() []string {
	var out []string
	for _, f := range inst.cont.Frames {
		if f.Step != "" {
			out = append(out, f.Step)
		}
	}
	return out
}

// indexKeys returns the routing keys of every session of the instance.
func (inst *instance) indexKeys() []indexKey {
	keys := make([]indexKey, 0, len(inst.cont.Sessions))
	for _, s := range inst.cont.Sessions {
		keys = append(keys, s.indexKey())
	}
	return keys
}

// nextMessageID allocates the id of the next message this flow sends.
func (inst *instance) nextMessageID() string {
	id := ir.MessageID(inst.flowID, inst.cont.SendSeq)
	inst.cont.SendSeq++
	return id
}
