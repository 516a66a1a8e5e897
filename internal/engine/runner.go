package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

type taskKind int

const (
	taskRun taskKind = iota + 1
	taskResume
	taskKill
)

// task is one unit of work handed from the loop to a worker.
type task struct {
	kind   taskKind
	inst   *instance
	msg    *ir.SessionMessage
	reason error
}

type reportKind int

const (
	reportSuspended reportKind = iota + 1
	reportTerminated
	reportAbandoned
)

// segmentReport is what a worker tells the loop after running a task.
type segmentReport struct {
	kind   reportKind
	inst   *instance
	result json.RawMessage
	err    *FlowError
}

// execute runs a task on a worker goroutine.
// Panics raised by flow logic fail only the flow that raised them.
func (e *Engine) execute(ctx context.Context, t task) (rep segmentReport) {
	inst := t.inst
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("flow panicked", "flow_id", inst.flowID, "panic", p)
			rep = e.finish(ctx, inst, nil, NewFlowError(KindInternal, "flow panicked: %v", p))
		}
	}()

	switch t.kind {
	case taskKill:
		return e.finish(ctx, inst, nil, t.reason)

	case taskResume:
		return e.drive(ctx, inst, e.accept(ctx, inst, *t.msg))

	default:
		if inst.checkpoint == nil {
			// Initial checkpoint: a crash before the first suspension restarts
			// the flow from the beginning.
			cp, err := inst.snapshot(nil)
			if err != nil {
				return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
			}
			if err := e.store.AddCheckpoint(ctx, cp); err != nil {
				if ctx.Err() != nil {
					return segmentReport{kind: reportAbandoned}
				}
				return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
			}
			inst.checkpoint = &cp
		}
		return e.drive(ctx, inst, nil)
	}
}

// accept applies an inbound message to the parked top frame.
//
// A data message of the awaited type is recorded in a checkpoint that also
// consumes the message; the frame then resumes with the payload. Anything
// else fails the frame, which is returned as an injected outcome.
func (e *Engine) accept(ctx context.Context, inst *instance, msg ir.SessionMessage) *Outcome {
	top := inst.top()
	aw := top.Await
	top.Await = nil

	fail := func(err *FlowError) *Outcome {
		inst.unconsumed = msg.ID
		return &Outcome{kind: outcomeFail, err: err}
	}

	switch {
	case msg.Kind == ir.KindEnd:
		return fail(&FlowError{
			Kind:    KindUnexpectedFlowEnd,
			Message: fmt.Sprintf("counterparty flow ended while %s awaited %q", top.Flow, aw.Topic),
			Remote:  msg.From,
		})

	case msg.Kind == ir.KindError:
		kind := ErrorKind(msg.ErrorKind)
		if !kind.Shareable() {
			kind = KindUnexpectedFlowEnd
		}
		return fail(&FlowError{Kind: kind, Message: msg.Error, Remote: msg.From})

	case msg.PayloadType != aw.PayloadType:
		return fail(&FlowError{
			Kind:    KindProtocolViolation,
			Message: fmt.Sprintf("expected %s on %q, got %s", aw.PayloadType, aw.Topic, msg.PayloadType),
			Remote:  msg.From,
		})
	}

	top.received = msg.Payload
	cp, err := inst.snapshot(msg.Payload)
	if err != nil {
		return fail(WrapError(KindInternal, err))
	}
	if err := e.store.ReplaceCheckpoint(ctx, inst.checkpoint, &cp, msg.ID); err != nil {
		return fail(WrapError(KindInternal, err))
	}
	inst.checkpoint = &cp
	return nil
}

// drive runs flow logic until the flow suspends or terminates.
// injected, when set, is processed as if the top frame had returned it.
func (e *Engine) drive(ctx context.Context, inst *instance, injected *Outcome) segmentReport {
	if err := inst.quota.Check(inst.flowID); err != nil {
		return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
	}

	for {
		top := inst.top()

		var out Outcome
		if injected != nil {
			out, injected = *injected, nil
		} else {
			fc := &Context{ctx: ctx, e: e, inst: inst, frame: top, index: inst.depth() - 1}
			out = top.logic.Call(fc)
			top.clearInputs()
		}

		switch out.kind {
		case outcomeComplete:
			if inst.depth() == 1 {
				return e.finish(ctx, inst, out.result, nil)
			}
			child := inst.pop()
			e.closeSessions(inst, child.Serial, nil)
			parent := inst.top()
			parent.subResult, parent.hasSub = out.result, true
			e.progress.publish(inst.flowID, inst.path())

		case outcomeFail:
			fe := asFlowError(inst.flowID, out.err)
			if inst.depth() == 1 {
				return e.finish(ctx, inst, nil, fe)
			}
			child := inst.pop()
			e.closeSessions(inst, child.Serial, fe)
			parent := inst.top()
			parent.subErr, parent.hasSub = fe, true
			e.progress.publish(inst.flowID, inst.path())

		case outcomeSubFlow:
			if out.child == nil || !e.registry.Has(out.child.FlowName()) {
				injected = &Outcome{kind: outcomeFail, err: NewFlowError(KindInternal, "sub-flow is not registered")}
				continue
			}
			top.Point = out.next
			inst.push(out.child)

		case outcomeReceive:
			top.Point = out.next
			top.Await = out.await
			return e.suspend(ctx, inst)

		default:
			injected = &Outcome{kind: outcomeFail, err: NewFlowError(KindInternal, "flow %s returned no outcome", top.Flow)}
		}
	}
}

// suspend flushes queued sends and commits the awaiting checkpoint.
// Sends go first: after a crash the flow replays from the previous
// checkpoint and re-sends the same message ids, which receivers discard.
func (e *Engine) suspend(ctx context.Context, inst *instance) segmentReport {
	cp, err := inst.snapshot(nil)
	if err != nil {
		return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
	}

	if err := e.flush(ctx, inst); err != nil {
		if ctx.Err() != nil {
			return segmentReport{kind: reportAbandoned}
		}
		return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
	}

	if ctx.Err() != nil {
		return segmentReport{kind: reportAbandoned}
	}
	if err := e.store.ReplaceCheckpoint(ctx, inst.checkpoint, &cp, inst.unconsumed); err != nil {
		if ctx.Err() != nil {
			return segmentReport{kind: reportAbandoned}
		}
		return e.finish(ctx, inst, nil, WrapError(KindInternal, err))
	}
	inst.checkpoint = &cp
	inst.unconsumed = ""

	e.log.Debug("flow suspended", "flow_id", inst.flowID, "awaiting", cp.AwaitingTopic)
	return segmentReport{kind: reportSuspended}
}

// finish ends the flow: it tells every counterparty, removes the checkpoint
// and runs the termination hooks. fe is nil on success.
func (e *Engine) finish(ctx context.Context, inst *instance, result json.RawMessage, fe error) segmentReport {
	var ferr *FlowError
	if fe != nil {
		ferr = asFlowError(inst.flowID, fe)
	}

	e.closeSessions(inst, -1, ferr)
	if err := e.flush(ctx, inst); err != nil {
		if ctx.Err() != nil {
			return segmentReport{kind: reportAbandoned}
		}
		e.log.Warn("failed to notify counterparties", "flow_id", inst.flowID, "error", err)
	}

	if ctx.Err() != nil {
		return segmentReport{kind: reportAbandoned}
	}
	switch {
	case inst.checkpoint != nil:
		if err := e.store.ReplaceCheckpoint(ctx, inst.checkpoint, nil, inst.unconsumed); err != nil {
			e.log.Error("failed to remove checkpoint", "flow_id", inst.flowID, "error", err)
		}
	case inst.unconsumed != "":
		if err := e.store.DiscardMessage(ctx, inst.unconsumed); err != nil {
			e.log.Error("failed to discard message", "flow_id", inst.flowID, "error", err)
		}
	}
	inst.checkpoint = nil
	inst.unconsumed = ""

	for _, hook := range e.hooks {
		hook(inst.flowID)
	}

	if ferr != nil {
		e.log.Info("flow failed", "flow_id", inst.flowID, "kind", ferr.Kind, "error", ferr.Message)
	} else {
		e.log.Debug("flow completed", "flow_id", inst.flowID)
	}
	return segmentReport{kind: reportTerminated, result: result, err: ferr}
}

// closeSessions queues an end (or error) message on every open session owned
// by the given frame serial, or on all sessions when owner is negative.
func (e *Engine) closeSessions(inst *instance, owner int64, fe *FlowError) {
	for _, s := range inst.cont.Sessions {
		if s.Closed || !s.Opened || (owner >= 0 && s.Owner != owner) {
			continue
		}
		s.Closed = true

		msg := ir.SessionMessage{
			ID:            inst.nextMessageID(),
			SessionID:     s.ID,
			From:          e.me,
			To:            s.Party,
			Kind:          ir.KindEnd,
			FromInitiator: s.Initiator,
		}
		if fe != nil {
			msg.Kind = ir.KindError
			if fe.Kind.Shareable() {
				msg.ErrorKind, msg.Error = string(fe.Kind), fe.Message
			} else {
				msg.ErrorKind, msg.Error = string(KindUnexpectedFlowEnd), "counterparty flow failed"
			}
		}
		inst.outbox = append(inst.outbox, msg)
	}
}

// flush registers the flow's sessions for routing and sends the outbox in
// order. Messages that were sent are dropped from the outbox even on error.
func (e *Engine) flush(ctx context.Context, inst *instance) error {
	e.sessionsMu.Lock()
	for _, s := range inst.cont.Sessions {
		e.sessionIndex[s.indexKey()] = inst.flowID
	}
	e.sessionsMu.Unlock()

	for len(inst.outbox) > 0 {
		msg := inst.outbox[0]
		if err := e.messaging.Send(ctx, msg); err != nil {
			return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.To, err)
		}
		inst.outbox = inst.outbox[1:]
	}
	inst.outbox = nil
	return nil
}
