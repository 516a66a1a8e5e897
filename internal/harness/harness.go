package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/node"
)

// Run executes a scenario with default options and returns the result.
//
// Each scenario runs on a fresh in-memory cluster. Steps run one at a time
// and the network must go quiet between them, so traces are reproducible.
//
// Execution flow:
// 1. Start one node per declared party
// 2. Run each step and record how it ended
// 3. Compare each step against its expect clause
// 4. Evaluate assertions against the trace and the vaults
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	return RunWithOptions(ctx, scenario, Options{})
}

// RunWithOptions executes a scenario with the given options.
// It returns an error only when the scenario could not be executed; step
// and assertion failures are reported in the Result.
func RunWithOptions(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	notary := scenario.Notary
	if notary == "" {
		notary = "notary"
	}

	c, err := startCluster(ctx, scenario.Nodes, notary, scenario.MaxRateBps, opts)
	if err != nil {
		return nil, err
	}
	defer c.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := runStep(ctx, c, step, opts)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] (%s on %s): %w", i, step.Flow, step.Party, err)
		}
		result.AddTrace(ev)
		if msg := checkExpect(i, step, ev); msg != "" {
			result.AddError(msg)
		}
		if err := c.quiesce(ctx, opts.StepTimeout); err != nil {
			return nil, fmt.Errorf("after steps[%d]: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, c.vaults()) {
		result.AddError(msg)
	}
	return result, nil
}

// runStep starts the step's flow and waits for it to end.
func runStep(ctx context.Context, c *cluster, step Step, opts Options) (TraceEvent, error) {
	ev := TraceEvent{Party: step.Party, Flow: step.Flow, Args: step.Args}
	n := c.nodes[step.Party]

	if step.Flow == FlowRestart {
		if err := n.Stop(); err != nil {
			return ev, err
		}
		if err := n.Start(ctx); err != nil {
			return ev, err
		}
		ev.Status = StatusCompleted
		return ev, nil
	}

	h, err := startStep(n, step)
	if err != nil {
		var fe *engine.FlowError
		if errors.As(err, &fe) {
			ev.Status, ev.Kind = StatusFailed, string(fe.Kind)
			return ev, nil
		}
		return ev, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	_, err = h.Result(waitCtx)
	switch {
	case err == nil:
		ev.Status = StatusCompleted
	case waitCtx.Err() != nil:
		return ev, fmt.Errorf("flow %s did not end: %w", h.FlowID, waitCtx.Err())
	default:
		ev.Status, ev.Kind = StatusFailed, string(engine.KindOf(err))
	}
	return ev, nil
}

type cashArgs struct {
	Quantity  int64  `json:"quantity"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
}

type issuanceArgs struct {
	Issuer   string `json:"issuer"`
	Quantity int64  `json:"quantity"`
	Currency string `json:"currency"`
	IssueTo  string `json:"issue_to"`
}

type dealArgs struct {
	Counterparty string `json:"counterparty"`
	flows.DealTerms
}

type revisionArgs struct {
	Deal         string  `json:"deal"`
	Reference    *string `json:"reference"`
	Notional     *int64  `json:"notional"`
	Currency     *string `json:"currency"`
	FixedRateBps *int64  `json:"fixed_rate_bps"`
}

func startStep(n *node.Node, step Step) (*engine.Handle, error) {
	switch step.Flow {
	case FlowIssue, FlowPay:
		var a cashArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return nil, err
		}
		if step.Flow == FlowIssue {
			return n.IssueCash(a.Quantity, a.Currency, ir.Party(a.Recipient))
		}
		return n.Pay(a.Quantity, a.Currency, ir.Party(a.Recipient))

	case FlowRequestIssuance:
		var a issuanceArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return nil, err
		}
		if a.IssueTo == "" {
			a.IssueTo = step.Party
		}
		return n.StartFlow(&flows.IssuanceRequester{
			Issuer: ir.Party(a.Issuer),
			Request: flows.IssuanceRequest{
				Quantity: a.Quantity,
				Currency: a.Currency,
				IssueTo:  ir.Party(a.IssueTo),
			},
		})

	case FlowCreateDeal:
		var a dealArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return nil, err
		}
		return n.StartFlow(&flows.CreateDeal{
			Counterparty: ir.Party(a.Counterparty),
			Terms:        a.DealTerms,
			LinearID:     step.As,
		})

	case FlowReviseDeal:
		var a revisionArgs
		if err := decodeArgs(step.Args, &a); err != nil {
			return nil, err
		}
		current, err := n.Vault().Current(a.Deal)
		if err != nil {
			return nil, engine.WrapError(engine.KindNotFound, err)
		}
		terms, err := flows.DealTermsOf(current.State)
		if err != nil {
			return nil, err
		}
		if a.Reference != nil {
			terms.Reference = *a.Reference
		}
		if a.Notional != nil {
			terms.Notional = *a.Notional
		}
		if a.Currency != nil {
			terms.Currency = *a.Currency
		}
		if a.FixedRateBps != nil {
			terms.FixedRateBps = *a.FixedRateBps
		}
		return n.ReviseDeal(a.Deal, terms)
	}
	return nil, fmt.Errorf("unknown flow %q", step.Flow)
}

// decodeArgs converts YAML args into a typed struct, rejecting unknown keys.
func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

// checkExpect compares how a step ended with its expect clause. Steps
// without one must complete.
func checkExpect(index int, step Step, ev TraceEvent) string {
	want := Expect{Status: StatusCompleted}
	if step.Expect != nil {
		want = *step.Expect
	}
	if ev.Status != want.Status || (want.Kind != "" && ev.Kind != want.Kind) {
		got := ev.Status
		if ev.Kind != "" {
			got += " (" + ev.Kind + ")"
		}
		expected := want.Status
		if want.Kind != "" {
			expected += " (" + want.Kind + ")"
		}
		return fmt.Sprintf("steps[%d] (%s on %s): expected %s, got %s", index, step.Flow, step.Party, expected, got)
	}
	return ""
}
