package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Logic is the body of a flow.
//
// The engine calls Call with the frame's resume point available through
// Context.Point. Call runs until the flow must wait, finishes, or starts a
// sub-flow, and returns the matching Outcome. Implementations are pointers to
// structs whose exported fields are the flow's locals: they are serialized
// into every checkpoint and restored before the next Call.
//
// A typical flow switches on the resume point:
//
//	func (f *Ping) Call(fc *engine.Context) engine.Outcome {
//		switch fc.Point() {
//		case engine.Start:
//			return fc.SendAndReceive(f.Peer, "ping", Ping{}, Pong{}, "pong")
//		case "pong":
//			var p Pong
//			if err := fc.Received(&p); err != nil {
//				return fc.Fail(err)
//			}
//			return fc.Complete(p)
//		}
//		return fc.Unknown()
//	}
type Logic interface {
	FlowName() string
	Call(fc *Context) Outcome
}

// Stepper is implemented by flows that declare their progress steps.
// Advance rejects steps that are not declared or that move backwards.
type Stepper interface {
	Steps() []string
}

type outcomeKind int

const (
	outcomeComplete outcomeKind = iota + 1
	outcomeFail
	outcomeReceive
	outcomeSubFlow
)

// Outcome tells the engine what a flow wants to do next.
// Values are produced by Context methods; the zero value is invalid.
type Outcome struct {
	kind   outcomeKind
	result json.RawMessage
	err    error
	await  *awaitState
	child  Logic
	next   string
}

// Context is the flow's handle on the engine for the duration of one Call.
// It must not be retained after Call returns.
type Context struct {
	ctx   context.Context
	e     *Engine
	inst  *instance
	frame *frame
	index int
}

// Ctx returns the context of the running segment. It is cancelled when the
// node shuts down.
func (c *Context) Ctx() context.Context { return c.ctx }

// FlowID returns the id of the flow instance.
func (c *Context) FlowID() string { return c.inst.flowID }

// Me returns the identity of the node running the flow.
func (c *Context) Me() ir.Party { return c.e.me }

// Counterparty returns the party whose session started this flow, or "" for
// a flow started locally.
func (c *Context) Counterparty() ir.Party {
	root := c.inst.cont.Frames[0].Serial
	for _, s := range c.inst.cont.Sessions {
		if s.Owner == root && !s.Initiator {
			return s.Party
		}
	}
	return ""
}

// Services returns the node services passed to the engine with WithServices.
func (c *Context) Services() any { return c.e.services }

// Point returns the resume point the frame was suspended at.
func (c *Context) Point() string { return c.frame.Point }

// Logger returns a logger tagged with the flow id and name.
func (c *Context) Logger() *slog.Logger {
	return c.e.log.With("flow_id", c.inst.flowID, "flow", c.frame.Flow)
}

// Send queues payload for party on topic.
//
// The message leaves the node before the flow's next checkpoint is written.
// The first message on a new session carries the initiating flow name so the
// counterparty can start its responder.
func (c *Context) Send(party ir.Party, topic string, payload any) error {
	s := c.session(party, true)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("send %s to %s: encode payload: %w", topic, party, err)
	}

	msg := ir.SessionMessage{
		ID:            c.inst.nextMessageID(),
		SessionID:     s.ID,
		From:          c.e.me,
		To:            party,
		Topic:         topic,
		Kind:          ir.KindData,
		PayloadType:   payloadType(payload),
		Payload:       body,
		FromInitiator: s.Initiator,
	}
	if s.Initiator && !s.Opened {
		msg.InitiatorFlow = s.FlowName
		s.Opened = true
	}
	c.inst.outbox = append(c.inst.outbox, msg)
	return nil
}

// Receive suspends the flow until party sends a message on topic. The
// payload must have the same type as proto. The flow resumes at next, where
// Received decodes the payload.
//
// If the counterparty flow ends or fails first, the frame fails instead.
func (c *Context) Receive(party ir.Party, topic string, proto any, next string) Outcome {
	s := c.session(party, false)
	if s == nil || (s.Initiator && !s.Opened) {
		return c.Fail(NewFlowError(KindProtocolViolation,
			"receive %s from %s on a session this flow never opened", topic, party))
	}
	return Outcome{
		kind: outcomeReceive,
		await: &awaitState{
			SessionKey:  s.Key,
			SessionID:   s.ID,
			Topic:       topic,
			PayloadType: payloadType(proto),
		},
		next: next,
	}
}

// SendAndReceive sends payload and waits for the reply on the same topic.
func (c *Context) SendAndReceive(party ir.Party, topic string, payload, proto any, next string) Outcome {
	if err := c.Send(party, topic, payload); err != nil {
		return c.Fail(err)
	}
	return c.Receive(party, topic, proto, next)
}

// SubFlow runs child to completion and then resumes this frame at next,
// where SubResult returns the child's result or failure.
func (c *Context) SubFlow(child Logic, next string) Outcome {
	return Outcome{kind: outcomeSubFlow, child: child, next: next}
}

// Complete finishes the frame with v as its result.
func (c *Context) Complete(v any) Outcome {
	body, err := json.Marshal(v)
	if err != nil {
		return c.Fail(fmt.Errorf("encode result: %w", err))
	}
	return Outcome{kind: outcomeComplete, result: body}
}

// Fail finishes the frame with err. Errors that are not FlowErrors are
// reported as KindInternal.
func (c *Context) Fail(err error) Outcome {
	if err == nil {
		err = NewFlowError(KindInternal, "flow failed without an error")
	}
	return Outcome{kind: outcomeFail, err: err}
}

// Unknown fails the frame because Call was invoked at a resume point it does
// not handle.
func (c *Context) Unknown() Outcome {
	return c.Fail(NewFlowError(KindInternal, "flow %s has no resume point %q", c.frame.Flow, c.frame.Point))
}

// Received decodes the payload the frame was resumed with.
func (c *Context) Received(v any) error {
	if c.frame.received == nil {
		return NewFlowError(KindInternal, "flow %s resumed at %q without a payload", c.frame.Flow, c.frame.Point)
	}
	if err := json.Unmarshal(c.frame.received, v); err != nil {
		return WrapError(KindProtocolViolation, fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// SubResult returns the failure of the sub-flow that just finished, or
// decodes its result into v. v may be nil when the result is not needed.
func (c *Context) SubResult(v any) error {
	if !c.frame.hasSub {
		return NewFlowError(KindInternal, "flow %s resumed at %q without a sub-flow result", c.frame.Flow, c.frame.Point)
	}
	if c.frame.subErr != nil {
		return c.frame.subErr
	}
	if v == nil || len(c.frame.subResult) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.frame.subResult, v); err != nil {
		return fmt.Errorf("decode sub-flow result: %w", err)
	}
	return nil
}

// Advance moves the frame's progress tracker to step.
//
// For flows implementing Stepper, Advance panics when step is not declared
// or precedes the current step. Panics fail only this flow.
func (c *Context) Advance(step string) {
	f := c.frame
	if st, ok := f.logic.(Stepper); ok {
		steps := st.Steps()
		next := slices.Index(steps, step)
		if next < 0 {
			panic(fmt.Sprintf("engine: flow %s has no progress step %q", f.Flow, step))
		}
		if cur := slices.Index(steps, f.Step); cur > next {
			panic(fmt.Sprintf("engine: flow %s progress moved back from %q to %q", f.Flow, f.Step, step))
		}
	}
	f.Step = step
	c.e.progress.publish(c.inst.flowID, c.inst.path())
}

// session returns the session the frame uses to talk to party.
//
// Sessions belong to the nearest enclosing initiating frame (a flow with a
// registered responder) or to the root frame. With create set, a missing
// session is created on the initiator side.
func (c *Context) session(party ir.Party, create bool) *session {
	owner := c.inst.cont.Frames[0]
	for i := c.index; i > 0; i-- {
		f := c.inst.cont.Frames[i]
		if c.e.registry.Initiating(f.Flow) {
			owner = f
			break
		}
	}

	key := sessionKey(owner.Serial, party)
	if s, ok := c.inst.sessions[key]; ok {
		return s
	}
	if !create {
		return nil
	}

	s := &session{
		Key:       key,
		ID:        ir.SessionID(c.inst.flowID, fmt.Sprint(owner.Serial), party),
		Party:     party,
		Owner:     owner.Serial,
		Initiator: true,
		FlowName:  owner.Flow,
	}
	c.inst.addSession(s)
	return s
}

// payloadType names the Go type of a payload for receive matching.
func payloadType(v any) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
