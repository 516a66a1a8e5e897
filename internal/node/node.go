// Package node assembles one ledger participant: its checkpoint store, flow
// engine, vault and network attachment.
//
// The vault lives in memory and belongs to the Node, not to the engine, so it
// survives Stop and Start. Checkpoints survive a process restart only when
// DataDir is set.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/ledgerflow/internal/config"
	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows"
	"github.com/roach88/ledgerflow/internal/flows/replacement"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
	"github.com/roach88/ledgerflow/internal/network"
	"github.com/roach88/ledgerflow/internal/store"
)

// CheckpointFile is the name of the SQLite database inside DataDir.
const CheckpointFile = "checkpoints.db"

// ErrNotRunning is returned by operations that need a started node.
var ErrNotRunning = errors.New("node not running")

// Options configures a Node.
type Options struct {
	Party   ir.Party
	Network *network.Network
	Signer  ledger.Signer
	Notary  ledger.Notary

	// DataDir holds the checkpoint database. Empty keeps checkpoints in
	// memory for the lifetime of the Node.
	DataDir  string
	Workers  int
	MaxSteps int

	// ValidateRevision decides deal revisions proposed by counterparties.
	// Nil accepts every well-formed revision.
	ValidateRevision func(flows.DealTerms) bool

	Logger  *slog.Logger
	FlowIDs engine.FlowIDGenerator
}

// OptionsFromConfig maps the node and revision sections of cfg onto Options.
// The caller supplies the shared network, signer and notary.
func OptionsFromConfig(cfg config.Config) Options {
	maxRate := cfg.Revision.MaxRateBps
	return Options{
		Party:    ir.Party(cfg.Node.Party),
		DataDir:  cfg.Node.DataDir,
		Workers:  cfg.Node.Workers,
		MaxSteps: cfg.Node.MaxSteps,
		ValidateRevision: func(t flows.DealTerms) bool {
			return maxRate == 0 || t.FixedRateBps <= maxRate
		},
	}
}

// NetworkOptions maps the network section of cfg onto transport options.
func NetworkOptions(cfg config.NetworkConfig) []network.Option {
	policy := network.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryAttempts
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay

	opts := []network.Option{network.WithRetryPolicy(policy)}
	if cfg.Duplicate {
		opts = append(opts, network.WithDuplicateDelivery())
	}
	return opts
}

// Node is one participant on the network.
//
// Thread-safety: all methods are safe for concurrent use. Start and Stop may
// be called repeatedly; each Start runs a fresh engine that recovers the
// flows checkpointed by the previous one.
type Node struct {
	opts     Options
	log      *slog.Logger
	vault    *ledger.MemoryVault
	services *ledger.Services

	mu       sync.RWMutex
	engine   *engine.Engine
	store    engine.Store
	closer   func() error
	cancel   context.CancelFunc
	revision replacement.Protocol[flows.DealTerms]
	memory   *store.MemoryStore
}

// New creates a stopped node.
func New(opts Options) (*Node, error) {
	switch {
	case opts.Party == "":
		return nil, fmt.Errorf("node: party is required")
	case opts.Network == nil:
		return nil, fmt.Errorf("node %s: network is required", opts.Party)
	case opts.Signer == nil:
		return nil, fmt.Errorf("node %s: signer is required", opts.Party)
	case opts.Notary == nil:
		return nil, fmt.Errorf("node %s: notary is required", opts.Party)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	vault := ledger.NewMemoryVault(opts.Party)
	return &Node{
		opts:  opts,
		log:   opts.Logger.With("node", string(opts.Party)),
		vault: vault,
		services: &ledger.Services{
			Signer: opts.Signer,
			Notary: opts.Notary,
			Vault:  vault,
		},
	}, nil
}

// Party returns the node's identity.
func (n *Node) Party() ir.Party {
	return n.opts.Party
}

// Vault returns the node's vault.
func (n *Node) Vault() *ledger.MemoryVault {
	return n.vault
}

// Engine returns the running engine, or nil when the node is stopped.
func (n *Node) Engine() *engine.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}

// Store returns the checkpoint store of the running engine.
func (n *Node) Store() engine.Store {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.store
}

// Start opens the checkpoint store, starts the engine and joins the network.
// Flows checkpointed before the last Stop are resumed.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.engine != nil {
		return fmt.Errorf("node %s already running", n.opts.Party)
	}

	st, closer, err := n.openStore()
	if err != nil {
		return err
	}

	reg := engine.NewRegistry()
	revision, err := flows.Register(reg, n.opts.ValidateRevision)
	if err != nil {
		_ = closer()
		return fmt.Errorf("node %s: %w", n.opts.Party, err)
	}

	engineOpts := []engine.EngineOption{
		engine.WithParty(n.opts.Party),
		engine.WithServices(n.services),
		engine.WithLogger(n.log),
		engine.WithTerminationHook(n.vault.ReleaseLocks),
	}
	if n.opts.Workers > 0 {
		engineOpts = append(engineOpts, engine.WithWorkers(n.opts.Workers))
	}
	if n.opts.MaxSteps > 0 {
		engineOpts = append(engineOpts, engine.WithMaxSteps(n.opts.MaxSteps))
	}
	if n.opts.FlowIDs != nil {
		engineOpts = append(engineOpts, engine.WithFlowIDGenerator(n.opts.FlowIDs))
	}
	e := engine.New(st, reg, n.opts.Network.Messaging(), engineOpts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := e.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error("engine stopped", "error", err)
		}
	}()

	n.engine = e
	n.store = st
	n.closer = closer
	n.cancel = cancel
	n.revision = revision

	n.opts.Network.Join(n.opts.Party, n)
	n.log.Info("node started", "data_dir", n.opts.DataDir)
	return nil
}

// Stop leaves the network and stops the engine. Suspended flows keep their
// checkpoints and resume on the next Start. Stop on a stopped node is a
// no-op.
func (n *Node) Stop() error {
	n.opts.Network.Leave(n.opts.Party)

	n.mu.Lock()
	e, cancel, closer := n.engine, n.cancel, n.closer
	n.engine, n.cancel, n.closer = nil, nil, nil
	n.mu.Unlock()

	if e == nil {
		return nil
	}
	cancel()
	select {
	case <-e.Stopped():
	case <-time.After(10 * time.Second):
		return fmt.Errorf("node %s: engine did not stop", n.opts.Party)
	}
	if err := closer(); err != nil {
		return fmt.Errorf("node %s: close store: %w", n.opts.Party, err)
	}
	n.log.Info("node stopped")
	return nil
}

// Deliver implements network.Receiver.
func (n *Node) Deliver(ctx context.Context, msg ir.SessionMessage) error {
	n.mu.RLock()
	e := n.engine
	n.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("deliver to %s: %w", n.opts.Party, ErrNotRunning)
	}
	return e.Deliver(ctx, msg)
}

func (n *Node) openStore() (engine.Store, func() error, error) {
	if n.opts.DataDir == "" {
		if n.memory == nil {
			n.memory = store.NewMemoryStore()
		}
		return n.memory, func() error { return nil }, nil
	}
	if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("node %s: create data dir: %w", n.opts.Party, err)
	}
	st, err := store.Open(filepath.Join(n.opts.DataDir, CheckpointFile))
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: %w", n.opts.Party, err)
	}
	return st, st.Close, nil
}
