package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerflow/internal/flows"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
	"github.com/roach88/ledgerflow/internal/logging"
	"github.com/roach88/ledgerflow/internal/network"
	"github.com/roach88/ledgerflow/internal/node"
	"github.com/roach88/ledgerflow/internal/testutil"
)

// DefaultStepTimeout bounds how long a step may take to end and the network
// to go quiet afterwards.
const DefaultStepTimeout = 10 * time.Second

// Options configures scenario and stability runs.
type Options struct {
	// Logger receives node logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// StepTimeout defaults to DefaultStepTimeout.
	StepTimeout time.Duration

	// Network adds transport options, e.g. duplicate delivery.
	Network []network.Option
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	return o
}

// cluster is a set of nodes sharing one network, key store and notary.
type cluster struct {
	net   *network.Network
	nodes map[string]*node.Node
	order []string
	log   *slog.Logger
}

// startCluster starts one node per party concurrently. Flow ids are
// "<party>-1", "<party>-2", ... so runs are reproducible.
func startCluster(ctx context.Context, parties []string, notary string, maxRateBps int64, opts Options) (*cluster, error) {
	netOpts := append([]network.Option{network.WithLogger(opts.Logger)}, opts.Network...)
	keys := ledger.NewKeyStore()
	c := &cluster{
		net:   network.New(netOpts...),
		nodes: make(map[string]*node.Node, len(parties)),
		order: parties,
		log:   opts.Logger,
	}
	notaryService := ledger.NewMemoryNotary(ir.Party(notary), keys)

	for _, p := range parties {
		n, err := node.New(node.Options{
			Party:   ir.Party(p),
			Network: c.net,
			Signer:  keys,
			Notary:  notaryService,
			ValidateRevision: func(t flows.DealTerms) bool {
				return maxRateBps == 0 || t.FixedRateBps <= maxRateBps
			},
			Logger:  opts.Logger,
			FlowIDs: testutil.NewSequentialFlowGenerator(p),
		})
		if err != nil {
			c.net.Close()
			return nil, err
		}
		c.nodes[p] = n
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.nodes {
		g.Go(func() error { return n.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		c.close()
		return nil, fmt.Errorf("start nodes: %w", err)
	}
	return c, nil
}

// close stops every node and then the network.
func (c *cluster) close() {
	var g errgroup.Group
	for _, n := range c.nodes {
		g.Go(n.Stop)
	}
	if err := g.Wait(); err != nil {
		c.log.Warn("stopping nodes", "error", err)
	}
	c.net.Close()
}

// quiesce waits until no node holds a checkpoint or a buffered message and
// nothing is in flight.
func (c *cluster) quiesce(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle, err := c.idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("network did not go quiet: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *cluster) idle(ctx context.Context) (bool, error) {
	for _, p := range c.order {
		if c.net.Pending(ir.Party(p)) > 0 {
			return false, nil
		}
		st := c.nodes[p].Store()
		if st == nil {
			return false, nil
		}
		cps, err := st.ListCheckpoints(ctx)
		if err != nil {
			return false, err
		}
		msgs, err := st.BufferedMessages(ctx)
		if err != nil {
			return false, err
		}
		if len(cps) > 0 || len(msgs) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (c *cluster) vaults() map[string]*ledger.MemoryVault {
	out := make(map[string]*ledger.MemoryVault, len(c.nodes))
	for p, n := range c.nodes {
		out[p] = n.Vault()
	}
	return out
}
