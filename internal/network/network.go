package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("network closed")

// ErrUnresolved is the retryable failure of a party missing from the directory.
var ErrUnresolved = errors.New("party not in directory")

// Receiver accepts messages for one node. *engine.Engine implements it.
type Receiver interface {
	Deliver(ctx context.Context, msg ir.SessionMessage) error
}

// Option configures a Network.
type Option func(*Network)

// WithRetryPolicy sets the policy for unresolved parties and failed deliveries.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(n *Network) {
		n.retry = p
	}
}

// WithDuplicateDelivery delivers every message twice. Used to exercise
// duplicate detection in receivers.
func WithDuplicateDelivery() Option {
	return func(n *Network) {
		n.duplicate = true
	}
}

// WithDirectory shares a directory with the network.
func WithDirectory(d *Directory) Option {
	return func(n *Network) {
		n.dir = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		n.log = l
	}
}

// Network connects the nodes of one process.
type Network struct {
	dir       *Directory
	retry     *RetryPolicy
	duplicate bool
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	receivers map[ir.Party]Receiver
	mailboxes map[ir.Party]*mailbox
}

// New creates a network. Call Close to stop its delivery goroutines.
func New(opts ...Option) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Network{
		dir:       NewDirectory(),
		retry:     DefaultRetryPolicy(),
		log:       slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		receivers: make(map[ir.Party]Receiver),
		mailboxes: make(map[ir.Party]*mailbox),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Directory returns the network map the transport resolves parties with.
func (n *Network) Directory() *Directory {
	return n.dir
}

// Join attaches the receiver for party and registers the party in the
// directory if it is not there yet. Messages buffered while the party was
// offline are delivered in order.
func (n *Network) Join(party ir.Party, r Receiver) {
	if _, ok := n.dir.Resolve(party); !ok {
		n.dir.AddNode(NodeInfo{Party: party, Address: "inproc://" + string(party)})
	}

	n.mu.Lock()
	n.receivers[party] = r
	mb := n.mailboxes[party]
	n.mu.Unlock()

	if mb != nil {
		mb.signal()
	}
	n.log.Debug("party joined", "party", party)
}

// Leave detaches the receiver for party. Messages for it are buffered until
// it joins again.
func (n *Network) Leave(party ir.Party) {
	n.mu.Lock()
	delete(n.receivers, party)
	n.mu.Unlock()
	n.log.Debug("party left", "party", party)
}

// Send queues msg for msg.To. It never blocks on the receiver.
func (n *Network) Send(ctx context.Context, msg ir.SessionMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb, err := n.mailbox(msg.To)
	if err != nil {
		return err
	}
	mb.push(msg)
	return nil
}

// Messaging returns the network as an engine transport.
func (n *Network) Messaging() engine.Messaging {
	return engine.MessagingFunc(n.Send)
}

// Pending returns the number of messages queued for party.
func (n *Network) Pending(party ir.Party) int {
	n.mu.Lock()
	mb := n.mailboxes[party]
	n.mu.Unlock()
	if mb == nil {
		return 0
	}
	return mb.len()
}

// Close stops delivery and waits for the mailbox goroutines to exit.
// Undelivered messages are dropped; senders replay them from their
// checkpoints after a restart.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}

func (n *Network) mailbox(party ir.Party) (*mailbox, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	mb, ok := n.mailboxes[party]
	if !ok {
		mb = newMailbox(party)
		n.mailboxes[party] = mb
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.drain(mb)
		}()
	}
	return mb, nil
}

func (n *Network) receiver(party ir.Party) Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receivers[party]
}

// drain delivers the mailbox in order until the network closes.
func (n *Network) drain(mb *mailbox) {
	for {
		msg, ok := mb.peek()
		if !ok {
			select {
			case <-mb.wake:
				continue
			case <-n.ctx.Done():
				return
			}
		}

		err := n.retry.Execute(n.ctx, func(ctx context.Context) error {
			return n.deliver(ctx, mb, msg)
		})
		switch {
		case err == nil:
			mb.pop()
		case n.ctx.Err() != nil:
			return
		default:
			n.log.Warn("message undeliverable", "message_id", msg.ID, "to", msg.To, "error", err)
			mb.pop()
			n.bounce(msg)
		}
	}
}

// deliver hands msg to its receiver, waiting while the party is offline.
func (n *Network) deliver(ctx context.Context, mb *mailbox, msg ir.SessionMessage) error {
	if _, ok := n.dir.Resolve(msg.To); !ok {
		return fmt.Errorf("deliver to %s: %w", msg.To, ErrUnresolved)
	}
	for {
		if r := n.receiver(msg.To); r != nil {
			if err := r.Deliver(ctx, msg); err != nil {
				return err
			}
			if n.duplicate {
				return r.Deliver(ctx, msg)
			}
			return nil
		}
		select {
		case <-mb.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bounce tells the sender's flow that a data message could not be delivered.
func (n *Network) bounce(msg ir.SessionMessage) {
	if msg.Kind != ir.KindData {
		return
	}
	reply := ir.SessionMessage{
		ID:            ir.MessageID("bounce/"+msg.ID, 0),
		SessionID:     msg.SessionID,
		From:          msg.To,
		To:            msg.From,
		Kind:          ir.KindError,
		FromInitiator: !msg.FromInitiator,
		ErrorKind:     string(engine.KindUnexpectedFlowEnd),
		Error:         fmt.Sprintf("%s is unreachable", msg.To),
	}
	if err := n.Send(n.ctx, reply); err != nil {
		n.log.Warn("failed to bounce message", "message_id", msg.ID, "error", err)
	}
}

// mailbox is the ordered queue of messages for one party.
type mailbox struct {
	party ir.Party
	wake  chan struct{}

	mu    sync.Mutex
	queue []ir.SessionMessage
}

func newMailbox(party ir.Party) *mailbox {
	return &mailbox{party: party, wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg ir.SessionMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) peek() (ir.SessionMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return ir.SessionMessage{}, false
	}
	return m.queue[0], true
}

func (m *mailbox) pop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		m.queue[0] = ir.SessionMessage{}
		m.queue = m.queue[1:]
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// signal wakes the drain goroutine without blocking.
func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
