// Package harness runs ledger scenarios against an in-process cluster.
//
// A scenario starts one node per declared party on a shared in-memory
// network, runs flows step by step and checks the outcome against the
// trace of step results and the nodes' vaults.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema:
//
//	name: cash_round_trip
//	description: "What this scenario validates"
//	nodes: [bank, alice, bob]
//	max_rate_bps: 500
//	steps:
//	  - party: alice
//	    flow: request_issuance
//	    args: { issuer: bank, quantity: 100, currency: USD }
//	  - party: bob
//	    flow: pay
//	    args: { quantity: 50, currency: USD, recipient: alice }
//	    expect: { status: failed, kind: insufficient_funds }
//	  - party: bob
//	    flow: restart
//	assertions:
//	  - type: balance
//	    party: alice
//	    currency: USD
//	    equals: 100
//
// # Assertion Types
//
//   - balance: a party's unconsumed cash in one currency
//   - deal_terms: the current terms of a named deal (subset match)
//   - transaction_count: how many transactions a party recorded
//   - trace_contains: some step matches flow, party and status
//   - trace_count: exactly N steps match
//   - trace_order: flows first appear in the given order
//
// # Deterministic Testing
//
// Steps run one at a time and the harness waits for every checkpoint and
// buffered message to drain before the next step. Flow ids come from a
// per-party sequence. Traces are therefore identical across runs and can
// be compared against golden files with RunWithGolden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/cash_round_trip.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
