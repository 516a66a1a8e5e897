package harness

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
)

// StabilityConfig configures a load run of cross payments.
type StabilityConfig struct {
	// Parties take part in the run. At least two are required.
	Parties []string

	// Rounds is the number of payment batches.
	Rounds int

	// Amount is paid by every party to the next one in each round.
	Amount int64

	// Currency defaults to "USD".
	Currency string
}

// StabilityReport summarises a load run.
type StabilityReport struct {
	Payments int              `json:"payments"`
	Failures int              `json:"failures"`
	Issued   int64            `json:"issued"`
	Balances map[string]int64 `json:"balances"`
}

// RunStability issues every party enough cash for the whole run, then in
// each round has every party pay the next one concurrently. Payments run
// in a ring, so every balance must end where it started and the total
// must equal what was issued.
func RunStability(ctx context.Context, cfg StabilityConfig, opts Options) (*StabilityReport, error) {
	if len(cfg.Parties) < 2 {
		return nil, fmt.Errorf("stability run needs at least two parties")
	}
	if cfg.Rounds < 1 || cfg.Amount < 1 {
		return nil, fmt.Errorf("stability run needs positive rounds and amount")
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	opts = opts.withDefaults()

	c, err := startCluster(ctx, cfg.Parties, "notary", 0, opts)
	if err != nil {
		return nil, err
	}
	defer c.close()

	float := cfg.Amount * int64(cfg.Rounds)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range cfg.Parties {
		g.Go(func() error {
			h, err := c.nodes[p].IssueCash(float, cfg.Currency, ir.Party(p))
			if err != nil {
				return err
			}
			_, err = h.Result(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("issue float: %w", err)
	}

	report := &StabilityReport{Issued: float * int64(len(cfg.Parties))}
	var failures atomic.Int64
	for round := 0; round < cfg.Rounds; round++ {
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range cfg.Parties {
			next := cfg.Parties[(i+1)%len(cfg.Parties)]
			g.Go(func() error {
				h, err := c.nodes[p].Pay(cfg.Amount, cfg.Currency, ir.Party(next))
				if err != nil {
					return err
				}
				if _, err := h.Result(gctx); err != nil {
					if engine.KindOf(err) == engine.KindInternal {
						return err
					}
					failures.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("round %d: %w", round+1, err)
		}
		report.Payments += len(cfg.Parties)
		if err := c.quiesce(ctx, opts.StepTimeout); err != nil {
			return nil, fmt.Errorf("round %d: %w", round+1, err)
		}
	}
	report.Failures = int(failures.Load())

	report.Balances = make(map[string]int64, len(cfg.Parties))
	var total int64
	for p, v := range c.vaults() {
		b := v.Balance(cfg.Currency)
		report.Balances[p] = b
		total += b
	}
	if total != report.Issued {
		return report, fmt.Errorf("cash not conserved: issued %d, held %d", report.Issued, total)
	}
	return report, nil
}
