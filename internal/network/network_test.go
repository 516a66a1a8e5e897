package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/ir"
)

// recorder is a Receiver that remembers what it was given.
type recorder struct {
	mu   sync.Mutex
	got  []ir.SessionMessage
	fail int
}

func (r *recorder) Deliver(ctx context.Context, msg ir.SessionMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("store unavailable")
	}
	r.got = append(r.got, msg)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.got))
	for i, m := range r.got {
		ids[i] = m.ID
	}
	return ids
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func newTestNetwork(t *testing.T, opts ...Option) *Network {
	t.Helper()
	n := New(append([]Option{WithRetryPolicy(fastRetry(3))}, opts...)...)
	t.Cleanup(n.Close)
	return n
}

func data(id string, from, to ir.Party) ir.SessionMessage {
	return ir.SessionMessage{ID: id, SessionID: "s1", From: from, To: to, Topic: "t", Kind: ir.KindData, FromInitiator: true}
}

func TestNetwork_DeliversInOrder(t *testing.T) {
	n := newTestNetwork(t)
	bob := &recorder{}
	n.Join("bob", bob)

	var want []string
	for i := range 50 {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		require.NoError(t, n.Send(context.Background(), data(id, "alice", "bob")))
	}

	require.Eventually(t, func() bool { return bob.count() == 50 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, want, bob.ids())
}

func TestNetwork_BuffersWhileOffline(t *testing.T) {
	n := newTestNetwork(t)
	n.Directory().AddNode(NodeInfo{Party: "bob"})

	require.NoError(t, n.Send(context.Background(), data("m1", "alice", "bob")))
	require.NoError(t, n.Send(context.Background(), data("m2", "alice", "bob")))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, n.Pending("bob"))

	bob := &recorder{}
	n.Join("bob", bob)
	require.Eventually(t, func() bool { return bob.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, bob.ids())

	n.Leave("bob")
	require.NoError(t, n.Send(context.Background(), data("m3", "alice", "bob")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, bob.count())

	n.Join("bob", bob)
	require.Eventually(t, func() bool { return bob.count() == 3 }, 2*time.Second, time.Millisecond)
}

func TestNetwork_RetriesFailedDelivery(t *testing.T) {
	n := newTestNetwork(t)
	bob := &recorder{fail: 2}
	n.Join("bob", bob)

	require.NoError(t, n.Send(context.Background(), data("m1", "alice", "bob")))
	require.Eventually(t, func() bool { return bob.count() == 1 }, 2*time.Second, time.Millisecond)
}

func TestNetwork_BouncesUnresolvedParty(t *testing.T) {
	n := newTestNetwork(t)
	alice := &recorder{}
	n.Join("alice", alice)

	msg := data("m1", "alice", "nobody")
	require.NoError(t, n.Send(context.Background(), msg))

	require.Eventually(t, func() bool { return alice.count() == 1 }, 2*time.Second, time.Millisecond)
	alice.mu.Lock()
	bounce := alice.got[0]
	alice.mu.Unlock()

	assert.Equal(t, ir.KindError, bounce.Kind)
	assert.Equal(t, "unexpected_flow_end", bounce.ErrorKind)
	assert.Equal(t, msg.SessionID, bounce.SessionID)
	assert.False(t, bounce.FromInitiator)
	assert.Equal(t, ir.Party("nobody"), bounce.From)
}

func TestNetwork_DuplicateDelivery(t *testing.T) {
	n := newTestNetwork(t, WithDuplicateDelivery())
	bob := &recorder{}
	n.Join("bob", bob)

	require.NoError(t, n.Send(context.Background(), data("m1", "alice", "bob")))
	require.Eventually(t, func() bool { return bob.count() == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"m1", "m1"}, bob.ids())
}

func TestNetwork_SendAfterClose(t *testing.T) {
	n := New()
	n.Close()
	err := n.Send(context.Background(), data("m1", "alice", "bob"))
	assert.ErrorIs(t, err, ErrClosed)
}
