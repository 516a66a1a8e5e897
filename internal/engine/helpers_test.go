package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Ping and Pong are the payloads of the test protocol.
type Ping struct {
	N int `json:"n"`
}

type Pong struct {
	N int `json:"n"`
}

// pingFlow sends Ping{N} and completes with the N of the Pong it receives.
type pingFlow struct {
	Peer ir.Party `json:"peer"`
	N    int      `json:"n"`
}

func (f *pingFlow) FlowName() string { return "test.ping" }

func (f *pingFlow) Steps() []string { return []string{"Pinging", "Done"} }

func (f *pingFlow) Call(fc *Context) Outcome {
	switch fc.Point() {
	case Start:
		fc.Advance("Pinging")
		return fc.SendAndReceive(f.Peer, "ping", Ping{N: f.N}, Pong{}, "pong")
	case "pong":
		var p Pong
		if err := fc.Received(&p); err != nil {
			return fc.Fail(err)
		}
		fc.Advance("Done")
		return fc.Complete(p.N)
	}
	return fc.Unknown()
}

// pongFlow answers a Ping. mode selects misbehaviour and is re-wired by the
// registry factory, so it is not part of the locals.
type pongFlow struct {
	Seen int `json:"seen"`
	mode string
}

func (f *pongFlow) FlowName() string { return "test.pong" }

func (f *pongFlow) Call(fc *Context) Outcome {
	switch fc.Point() {
	case Start:
		return fc.Receive(fc.Counterparty(), "ping", Ping{}, "ping")
	case "ping":
		var p Ping
		if err := fc.Received(&p); err != nil {
			return fc.Fail(err)
		}
		f.Seen = p.N
		switch f.mode {
		case "reject":
			return fc.Fail(NewFlowError(KindValidationRejected, "not today"))
		case "crash":
			return fc.Fail(fmt.Errorf("disk on fire"))
		case "wrong-type":
			if err := fc.Send(fc.Counterparty(), "ping", "not a pong"); err != nil {
				return fc.Fail(err)
			}
		case "silent":
			return fc.Receive(fc.Counterparty(), "never", Ping{}, "never")
		default:
			if err := fc.Send(fc.Counterparty(), "ping", Pong{N: p.N + 1}); err != nil {
				return fc.Fail(err)
			}
		}
		return fc.Complete(nil)
	}
	return fc.Unknown()
}

// testRegistry registers the ping protocol with the given responder mode.
func testRegistry(t *testing.T, mode string) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.Register(func() Logic { return &pingFlow{} })
	reg.Register(func() Logic { return &pongFlow{mode: mode} })
	require.NoError(t, reg.RegisterResponder("test.ping", "test.pong"))
	return reg
}

// testNetwork connects engines in-process. Send delivers synchronously into
// the target engine's store and queue.
type testNetwork struct {
	mu        sync.Mutex
	nodes     map[ir.Party]*Engine
	duplicate bool
	sent      []ir.SessionMessage
}

func newTestNetwork() *testNetwork {
	return &testNetwork{nodes: make(map[ir.Party]*Engine)}
}

func (n *testNetwork) attach(e *Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[e.Me()] = e
}

func (n *testNetwork) Send(ctx context.Context, msg ir.SessionMessage) error {
	n.mu.Lock()
	target := n.nodes[msg.To]
	dup := n.duplicate
	n.sent = append(n.sent, msg)
	n.mu.Unlock()

	if target == nil {
		return fmt.Errorf("unknown party %s", msg.To)
	}
	if err := target.Deliver(context.WithoutCancel(ctx), msg); err != nil {
		return err
	}
	if dup {
		return target.Deliver(context.WithoutCancel(ctx), msg)
	}
	return nil
}

func (n *testNetwork) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// newTestEngine creates an engine for party and attaches it to net.
func newTestEngine(party ir.Party, st Store, reg *Registry, net *testNetwork, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithParty(party), WithWorkers(4)}, opts...)
	e := New(st, reg, net, opts...)
	net.attach(e)
	return e
}

// runEngine runs e until the returned stop function is called or the test
// ends. stop waits for every worker to exit.
func runEngine(t *testing.T, e *Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-e.Stopped():
			case <-time.After(5 * time.Second):
				t.Errorf("engine %s did not stop", e.Me())
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// awaitCheckpoints waits until st holds exactly n checkpoints that all await
// a message.
func awaitCheckpoints(t *testing.T, st Store, n int) []ir.Checkpoint {
	t.Helper()
	var list []ir.Checkpoint
	require.Eventually(t, func() bool {
		var err error
		list, err = st.ListCheckpoints(context.Background())
		if err != nil || len(list) != n {
			return false
		}
		for _, cp := range list {
			if !cp.Awaiting() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return list
}

// awaitDrained waits until st holds no checkpoints and no buffered messages.
func awaitDrained(t *testing.T, st Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		cps, err := st.ListCheckpoints(context.Background())
		if err != nil || len(cps) != 0 {
			return false
		}
		msgs, err := st.BufferedMessages(context.Background())
		return err == nil && len(msgs) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
