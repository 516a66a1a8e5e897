package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Store is the durable state the engine needs: checkpoints and the inbox.
// Implemented by store.Store (SQLite) and store.MemoryStore.
type Store interface {
	AddCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	RemoveCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	ReplaceCheckpoint(ctx context.Context, old, next *ir.Checkpoint, consumedMessageID string) error
	ListCheckpoints(ctx context.Context) ([]ir.Checkpoint, error)
	BufferMessage(ctx context.Context, msg ir.SessionMessage) (inserted bool, err error)
	BufferedMessages(ctx context.Context) ([]ir.SessionMessage, error)
	DiscardMessage(ctx context.Context, messageID string) error
}

// Messaging delivers session messages to counterparties.
// Delivery is at-least-once and ordered per destination.
type Messaging interface {
	Send(ctx context.Context, msg ir.SessionMessage) error
}

// MessagingFunc adapts a function to Messaging.
type MessagingFunc func(ctx context.Context, msg ir.SessionMessage) error

// Send implements Messaging.
func (f MessagingFunc) Send(ctx context.Context, msg ir.SessionMessage) error {
	return f(ctx, msg)
}

// ErrEngineStopped is returned by calls made after Run has returned.
var ErrEngineStopped = errors.New("engine stopped")

// DefaultMaxSteps is the default maximum number of segments per flow.
// This prevents runaway flows from consuming unbounded resources.
const DefaultMaxSteps = 1000

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 8

// DefaultRetainFinished is how many finished flows keep their handle,
// progress path and closed sessions queryable.
const DefaultRetainFinished = 1024

// Engine runs flows for one node.
//
// CRITICAL: All lifecycle decisions happen in the single-writer Run loop
// goroutine. Flow logic runs on a bounded worker pool; a suspended flow holds
// no goroutine.
//
// Thread-safety model:
//   - StartFlow(), Deliver(), Kill(), Progress(), Subscribe(): any goroutine
//   - Run(): must be called from exactly one goroutine
//
// INVARIANTS:
//   - At most one live instance per flow id
//   - At most one worker runs a given instance at a time
//   - A flow's checkpoint is committed before the loop learns it suspended,
//     so a reply never resumes a suspension that is not durable
type Engine struct {
	store     Store
	registry  *Registry
	messaging Messaging
	me        ir.Party
	services  any
	log       *slog.Logger
	queue     *eventQueue
	flowGen   FlowIDGenerator
	maxSteps  int
	workers   int
	retain    int
	hooks     []func(flowID string)
	progress  *progressTracker

	// Loop-owned state.
	instances map[string]*instance
	pending   map[indexKey][]ir.SessionMessage
	recovered map[string]struct{}
	restored  map[string]struct{}
	broken    int
	retired   []retiredFlow
	ready     []task
	active    int
	group     *errgroup.Group

	// Session routing, written by workers before they send.
	sessionsMu   sync.Mutex
	sessionIndex map[indexKey]string
	closed       map[indexKey]struct{}

	handlesMu sync.Mutex
	handles   map[string]*Handle

	// Deliver holds the read side; recovery holds the write side while it
	// reads the inbox, so every delivery is either recovered or queued after
	// the recovery fence.
	deliverMu sync.RWMutex

	stopped chan struct{}
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxSteps sets the maximum segments quota per flow.
//
// Zero or less runs flows without a quota.
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// WithWorkers sets the number of flows that may run concurrently.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetainFinished sets how many finished flows stay queryable through
// Handle and Progress. Older ones are forgotten; handles already returned
// keep working.
func WithRetainFinished(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.retain = n
		}
	}
}

// WithParty sets the identity of the node the engine runs for.
func WithParty(p ir.Party) EngineOption {
	return func(e *Engine) {
		e.me = p
	}
}

// WithServices makes node services available to flows via Context.Services.
func WithServices(s any) EngineOption {
	return func(e *Engine) {
		e.services = s
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithFlowIDGenerator replaces the UUIDv7 flow id generator.
func WithFlowIDGenerator(g FlowIDGenerator) EngineOption {
	return func(e *Engine) {
		e.flowGen = g
	}
}

// WithTerminationHook registers fn to run on the worker after a flow
// terminates, before its handle resolves. Used to release vault soft locks.
func WithTerminationHook(fn func(flowID string)) EngineOption {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// New creates an Engine over the given store, flow registry and transport.
func New(s Store, registry *Registry, messaging Messaging, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        s,
		registry:     registry,
		messaging:    messaging,
		log:          slog.Default(),
		queue:        newEventQueue(),
		flowGen:      UUIDv7Generator{},
		maxSteps:     DefaultMaxSteps,
		workers:      DefaultWorkers,
		retain:       DefaultRetainFinished,
		progress:     newProgressTracker(),
		instances:    make(map[string]*instance),
		pending:      make(map[indexKey][]ir.SessionMessage),
		recovered:    make(map[string]struct{}),
		restored:     make(map[string]struct{}),
		sessionIndex: make(map[indexKey]string),
		closed:       make(map[indexKey]struct{}),
		handles:      make(map[string]*Handle),
		stopped:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.log = e.log.With("party", string(e.me))
	return e
}

// Me returns the party the engine runs for.
func (e *Engine) Me() ir.Party {
	return e.me
}

// MaxSteps returns the configured segment quota.
func (e *Engine) MaxSteps() int {
	return e.maxSteps
}

// Run recovers persisted flows and then runs the single-writer event loop.
// Blocks until ctx is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine, at most once.
//
// Cancelling ctx abandons running segments without committing them, exactly
// as a process crash would. Their checkpoints stay in the store.
//
// ERROR HANDLING: On event processing failure, the error is logged with full
// event context and processing continues.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")
	e.group = &errgroup.Group{}
	e.group.SetLimit(e.workers)

	defer func() {
		e.queue.Close()
		_ = e.group.Wait()
		close(e.stopped)
	}()

	if err := e.recoverFlows(ctx); err != nil {
		return fmt.Errorf("recover flows: %w", err)
	}

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, event); err != nil {
				logEventError(e.log, event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed,
			// which will cause this case to fire immediately
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
// Closes the event queue, which will cause Run() to return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Stopped is closed once Run has returned and every worker has exited.
func (e *Engine) Stopped() <-chan struct{} {
	return e.stopped
}

// StartFlow schedules a new flow and returns its handle.
// The flow's initial checkpoint is written before its logic first runs.
func (e *Engine) StartFlow(logic Logic) (*Handle, error) {
	name := logic.FlowName()
	if !e.registry.Has(name) {
		return nil, fmt.Errorf("start flow %q: %w", name, ErrUnknownFlow)
	}

	flowID := e.flowGen.Generate()
	h, err := e.registerHandle(flowID)
	if err != nil {
		return nil, fmt.Errorf("start flow %q: %w", name, err)
	}

	inst := newInstance(flowID, logic, e.maxSteps)
	inst.handle = h
	if !e.queue.Enqueue(Event{Type: EventTypeStart, Instance: inst}) {
		return nil, fmt.Errorf("start flow %q: %w", name, ErrEngineStopped)
	}
	return h, nil
}

// Deliver accepts a message from the transport.
//
// The message is buffered durably before Deliver returns. A message id that
// was already buffered or consumed is dropped, so at-least-once transports
// never make a flow see the same message twice.
func (e *Engine) Deliver(ctx context.Context, msg ir.SessionMessage) error {
	e.deliverMu.RLock()
	defer e.deliverMu.RUnlock()

	inserted, err := e.store.BufferMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", msg.ID, err)
	}
	if !inserted {
		e.log.Debug("dropping duplicate message", "message_id", msg.ID, "from", msg.From)
		return nil
	}
	if !e.queue.Enqueue(Event{Type: EventTypeDeliver, Message: &msg}) {
		// Buffered durably; offered again on the next Run.
		e.log.Debug("engine stopped; message kept for recovery", "message_id", msg.ID)
	}
	return nil
}

// killRequest carries a Kill call into the loop.
type killRequest struct {
	flowID string
	reply  chan bool
}

// Kill terminates a live flow with KindKilled. Returns false if the flow is
// not live on this node.
//
// A suspended flow is terminated at once. A running flow is terminated when
// its current segment ends, unless that segment finishes the flow.
func (e *Engine) Kill(flowID string) bool {
	req := &killRequest{flowID: flowID, reply: make(chan bool, 1)}
	if !e.queue.Enqueue(Event{Type: EventTypeKill, Kill: req}) {
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-e.stopped:
		return false
	}
}

// Handle returns the handle of a flow started or recovered by this engine.
func (e *Engine) Handle(flowID string) (*Handle, bool) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	h, ok := e.handles[flowID]
	return h, ok
}

// Progress returns the current progress path of a flow: the latest step of
// the root flow followed by those of its active sub-flows.
func (e *Engine) Progress(flowID string) []string {
	return e.progress.get(flowID)
}

// Subscribe streams progress changes of a flow. The channel is closed after
// the flow terminates or cancel is called.
func (e *Engine) Subscribe(flowID string) (<-chan ProgressEvent, func()) {
	return e.progress.subscribe(flowID)
}

func (e *Engine) registerHandle(flowID string) (*Handle, error) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	if _, exists := e.handles[flowID]; exists {
		return nil, fmt.Errorf("flow %s already exists", flowID)
	}
	h := newHandle(flowID)
	e.handles[flowID] = h
	return h, nil
}

// processEvent routes an event to the appropriate handler.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventTypeStart:
		if event.Instance == nil {
			return fmt.Errorf("start event missing instance")
		}
		e.admit(ctx, event.Instance)
		return nil

	case EventTypeDeliver:
		if event.Message == nil {
			return fmt.Errorf("deliver event missing message")
		}
		if _, dup := e.recovered[event.Message.ID]; dup {
			delete(e.recovered, event.Message.ID)
			return nil
		}
		return e.offer(ctx, *event.Message)

	case EventTypeSegment:
		if event.Report == nil {
			return fmt.Errorf("segment event missing report")
		}
		e.handleReport(ctx, event.Report)
		return nil

	case EventTypeKill:
		if event.Kill == nil {
			return fmt.Errorf("kill event missing request")
		}
		e.handleKill(ctx, event.Kill)
		return nil

	case EventTypeRecovered:
		// Every delivery queued before recovery has now been seen.
		clear(e.recovered)
		return nil

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

// admit makes an instance live and schedules its first segment.
func (e *Engine) admit(ctx context.Context, inst *instance) {
	e.instances[inst.flowID] = inst
	inst.state = stateRunning
	e.progress.publish(inst.flowID, inst.path())
	e.log.Debug("flow started", "flow_id", inst.flowID, "flow", inst.top().Flow)
	e.dispatch(ctx, task{kind: taskRun, inst: inst})
}

// offer routes an inbound message to its flow, starts a responder for a
// session-opening message, or holds it until its session is known.
func (e *Engine) offer(ctx context.Context, msg ir.SessionMessage) error {
	key := indexKey{sessionID: msg.SessionID, initiator: !msg.FromInitiator}

	e.sessionsMu.Lock()
	flowID, known := e.sessionIndex[key]
	_, closed := e.closed[key]
	e.sessionsMu.Unlock()

	switch {
	case known:
		e.pending[key] = append(e.pending[key], msg)
		if inst, ok := e.instances[flowID]; ok {
			e.tryMatch(ctx, inst)
		}
		return nil

	case closed:
		return e.store.DiscardMessage(ctx, msg.ID)

	case msg.FromInitiator && msg.InitiatorFlow != "" && msg.Kind == ir.KindData:
		return e.startResponder(ctx, msg)

	case e.holding():
		// A reply can overtake the restart of the flow that will claim it.
		e.pending[key] = append(e.pending[key], msg)
		e.log.Debug("holding message for unknown session", "message_id", msg.ID, "session_id", msg.SessionID)
		return nil

	default:
		e.log.Debug("discarding message for unknown session", "message_id", msg.ID, "session_id", msg.SessionID)
		return e.store.DiscardMessage(ctx, msg.ID)
	}
}

// holding reports whether a message for an unknown session may still be
// claimed. Only a flow restored from a checkpoint can re-open a session whose
// reply arrived first, and a checkpoint that failed to restore might own any
// session.
func (e *Engine) holding() bool {
	return len(e.restored) > 0 || e.broken > 0
}

// sweepOrphans discards held messages whose session no live flow owns.
func (e *Engine) sweepOrphans(ctx context.Context) {
	e.sessionsMu.Lock()
	var orphans []indexKey
	for k := range e.pending {
		if _, ok := e.sessionIndex[k]; !ok {
			orphans = append(orphans, k)
		}
	}
	e.sessionsMu.Unlock()

	for _, k := range orphans {
		for _, msg := range e.pending[k] {
			e.log.Debug("discarding message for unknown session", "message_id", msg.ID, "session_id", msg.SessionID)
			if err := e.store.DiscardMessage(ctx, msg.ID); err != nil {
				e.log.Warn("failed to discard message", "message_id", msg.ID, "error", err)
			}
		}
		delete(e.pending, k)
	}
}

// startResponder creates the flow that answers a newly opened session.
func (e *Engine) startResponder(ctx context.Context, msg ir.SessionMessage) error {
	name, ok := e.registry.ResponderFor(msg.InitiatorFlow)
	if !ok {
		e.rejectSession(msg, fmt.Sprintf("%s has no responder for %s", e.me, msg.InitiatorFlow))
		return e.store.DiscardMessage(ctx, msg.ID)
	}
	logic, err := e.registry.New(name)
	if err != nil {
		return fmt.Errorf("start responder: %w", err)
	}

	flowID := ResponderFlowID(msg.ID)
	h, err := e.registerHandle(flowID)
	if err != nil {
		return fmt.Errorf("start responder: %w", err)
	}

	inst := newInstance(flowID, logic, e.maxSteps)
	inst.handle = h
	s := &session{
		Key:    sessionKey(inst.top().Serial, msg.From),
		ID:     msg.SessionID,
		Party:  msg.From,
		Owner:  inst.top().Serial,
		Opened: true,
	}
	inst.addSession(s)

	key := s.indexKey()
	e.sessionsMu.Lock()
	e.sessionIndex[key] = flowID
	e.sessionsMu.Unlock()
	e.pending[key] = append(e.pending[key], msg)

	e.admit(ctx, inst)
	return nil
}

// rejectSession answers a session-opening message nobody can serve.
func (e *Engine) rejectSession(msg ir.SessionMessage, reason string) {
	reply := ir.SessionMessage{
		ID:        ir.MessageID("reject/"+msg.ID, 0),
		SessionID: msg.SessionID,
		From:      e.me,
		To:        msg.From,
		Kind:      ir.KindError,
		ErrorKind: string(KindProtocolViolation),
		Error:     reason,
	}
	go func() {
		if err := e.messaging.Send(context.Background(), reply); err != nil {
			e.log.Warn("failed to reject session", "session_id", msg.SessionID, "error", err)
		}
	}()
}

// tryMatch resumes a suspended flow if a message it awaits is pending.
// Messages on the awaited session are considered in arrival order; an end or
// error message matches any receive.
func (e *Engine) tryMatch(ctx context.Context, inst *instance) {
	if inst.state != stateSuspended {
		return
	}
	aw := inst.top().Await
	if aw == nil {
		return
	}
	s, ok := inst.sessions[aw.SessionKey]
	if !ok {
		return
	}

	key := s.indexKey()
	queue := e.pending[key]
	for i, msg := range queue {
		if msg.Kind == ir.KindData && msg.Topic != aw.Topic {
			continue
		}
		queue = slices.Delete(queue, i, i+1)
		if len(queue) == 0 {
			delete(e.pending, key)
		} else {
			e.pending[key] = queue
		}
		inst.state = stateRunning
		e.dispatch(ctx, task{kind: taskResume, inst: inst, msg: &msg})
		return
	}
}

// dispatch hands a task to the worker pool, or queues it when every worker
// is busy.
func (e *Engine) dispatch(ctx context.Context, t task) {
	if e.active >= e.workers {
		e.ready = append(e.ready, t)
		return
	}
	e.active++
	e.group.Go(func() error {
		rep := e.execute(ctx, t)
		rep.inst = t.inst
		e.queue.Enqueue(Event{Type: EventTypeSegment, Report: &rep})
		return nil
	})
}

func (e *Engine) handleReport(ctx context.Context, r *segmentReport) {
	e.active--
	inst := r.inst

	switch r.kind {
	case reportSuspended:
		inst.state = stateSuspended
		if inst.killRequested {
			inst.state = stateRunning
			e.dispatch(ctx, task{kind: taskKill, inst: inst, reason: NewFlowError(KindKilled, "flow killed")})
		} else {
			e.tryMatch(ctx, inst)
		}

	case reportTerminated:
		e.terminate(ctx, inst, r)

	case reportAbandoned:
		e.log.Debug("segment abandoned", "flow_id", inst.flowID)
	}

	for e.active < e.workers && len(e.ready) > 0 {
		next := e.ready[0]
		e.ready = e.ready[1:]
		e.dispatch(ctx, next)
	}
}

// terminate retires a finished flow: its sessions stop routing, messages
// still pending for them are discarded and the handle resolves.
func (e *Engine) terminate(ctx context.Context, inst *instance, r *segmentReport) {
	inst.state = stateDone
	delete(e.instances, inst.flowID)

	keys := inst.indexKeys()
	e.sessionsMu.Lock()
	for _, k := range keys {
		delete(e.sessionIndex, k)
		e.closed[k] = struct{}{}
	}
	e.sessionsMu.Unlock()

	for _, k := range keys {
		for _, msg := range e.pending[k] {
			if err := e.store.DiscardMessage(ctx, msg.ID); err != nil {
				e.log.Warn("failed to discard message", "message_id", msg.ID, "error", err)
			}
		}
		delete(e.pending, k)
	}

	e.progress.finish(inst.flowID)
	inst.handle.resolve(r.result, r.err)
	e.retire(inst.flowID, keys)

	if _, ok := e.restored[inst.flowID]; ok {
		delete(e.restored, inst.flowID)
		if !e.holding() {
			e.sweepOrphans(ctx)
		}
	}
}

// retiredFlow is what the engine still remembers about a finished flow.
type retiredFlow struct {
	flowID string
	keys   []indexKey
}

// retire records a finished flow and forgets the oldest ones beyond the
// retention limit.
func (e *Engine) retire(flowID string, keys []indexKey) {
	e.retired = append(e.retired, retiredFlow{flowID: flowID, keys: keys})
	for len(e.retired) > e.retain {
		old := e.retired[0]
		e.retired[0] = retiredFlow{}
		e.retired = e.retired[1:]

		e.handlesMu.Lock()
		delete(e.handles, old.flowID)
		e.handlesMu.Unlock()

		e.sessionsMu.Lock()
		for _, k := range old.keys {
			delete(e.closed, k)
		}
		e.sessionsMu.Unlock()

		e.progress.forget(old.flowID)
	}
}

func (e *Engine) handleKill(ctx context.Context, req *killRequest) {
	inst, ok := e.instances[req.flowID]
	if !ok {
		req.reply <- false
		return
	}
	req.reply <- true

	switch inst.state {
	case stateSuspended:
		inst.state = stateRunning
		e.dispatch(ctx, task{kind: taskKill, inst: inst, reason: NewFlowError(KindKilled, "flow killed")})
	default:
		inst.killRequested = true
	}
}

// recoverFlows restores every checkpointed flow and re-offers buffered
// messages in arrival order. Runs before the loop accepts events.
func (e *Engine) recoverFlows(ctx context.Context) error {
	checkpoints, err := e.store.ListCheckpoints(ctx)
	if err != nil {
		return err
	}

	for _, cp := range checkpoints {
		inst, err := restoreInstance(e.registry, cp, e.maxSteps)
		if err != nil {
			e.broken++
			e.log.Error("cannot restore flow; checkpoint left in place", "flow_id", cp.FlowID, "error", err)
			continue
		}
		h, err := e.registerHandle(cp.FlowID)
		if err != nil {
			e.broken++
			e.log.Error("cannot restore flow", "flow_id", cp.FlowID, "error", err)
			continue
		}
		inst.handle = h

		e.sessionsMu.Lock()
		for _, k := range inst.indexKeys() {
			e.sessionIndex[k] = inst.flowID
		}
		e.sessionsMu.Unlock()

		e.instances[inst.flowID] = inst
		e.restored[inst.flowID] = struct{}{}
		e.progress.publish(inst.flowID, inst.path())
		if cp.Awaiting() {
			inst.state = stateSuspended
		} else {
			inst.state = stateRunning
			e.dispatch(ctx, task{kind: taskRun, inst: inst})
		}
	}

	e.deliverMu.Lock()
	messages, err := e.store.BufferedMessages(ctx)
	if err != nil {
		e.deliverMu.Unlock()
		return err
	}
	for _, msg := range messages {
		e.recovered[msg.ID] = struct{}{}
	}
	e.queue.Enqueue(Event{Type: EventTypeRecovered})
	e.deliverMu.Unlock()

	for _, msg := range messages {
		if err := e.offer(ctx, msg); err != nil {
			e.log.Warn("failed to re-offer message", "message_id", msg.ID, "error", err)
		}
	}

	if len(checkpoints) > 0 || len(messages) > 0 {
		e.log.Info("recovered flows", "checkpoints", len(checkpoints), "buffered_messages", len(messages))
	}
	return nil
}

// logEventError logs event processing failures with the event's identity.
func logEventError(log *slog.Logger, event Event, err error) {
	switch event.Type {
	case EventTypeDeliver:
		if event.Message != nil {
			log.Error("message processing failed",
				"error", err,
				"message_id", event.Message.ID,
				"session_id", event.Message.SessionID,
				"from", event.Message.From,
				"kind", event.Message.Kind,
			)
			return
		}
	case EventTypeStart:
		if event.Instance != nil {
			log.Error("flow start failed", "error", err, "flow_id", event.Instance.flowID)
			return
		}
	}
	log.Error("event processing failed", "error", err, "event_type", event.Type)
}
