package harness

// Scenario defines a ledger scenario.
// A scenario starts one node per entry in Nodes, runs Steps in order and
// then checks Assertions against the trace and the nodes' vaults.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the parties to start.
	Nodes []string `yaml:"nodes"`

	// Notary is the notary's party name. Defaults to "notary".
	Notary string `yaml:"notary,omitempty"`

	// MaxRateBps bounds the deal revisions every node accepts. Zero
	// accepts every well-formed revision.
	MaxRateBps int64 `yaml:"max_rate_bps,omitempty"`

	// Steps run sequentially. Each step waits for its flow to end and for
	// the network to go quiet before the next one starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and vaults.
	Assertions []Assertion `yaml:"assertions"`
}

// Step starts one flow on one node, or restarts the node.
type Step struct {
	// Party is the node the step runs on.
	Party string `yaml:"party"`

	// Flow is one of the Flow* constants.
	Flow string `yaml:"flow"`

	// Args holds the flow's arguments; see the Flow* constants.
	Args map[string]any `yaml:"args,omitempty"`

	// As names the deal a create_deal step creates, for later steps and
	// assertions.
	As string `yaml:"as,omitempty"`

	// Expect specifies how the flow must end. If nil, it must complete.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected end of a step.
type Expect struct {
	Status string `yaml:"status"`
	Kind   string `yaml:"kind,omitempty"`
}

// Flow names used by steps.
const (
	// FlowIssue args: quantity, currency, recipient.
	FlowIssue = "issue"
	// FlowPay args: quantity, currency, recipient.
	FlowPay = "pay"
	// FlowRequestIssuance args: issuer, quantity, currency, issue_to (defaults to the party).
	FlowRequestIssuance = "request_issuance"
	// FlowCreateDeal args: counterparty, reference, notional, currency, fixed_rate_bps.
	FlowCreateDeal = "create_deal"
	// FlowReviseDeal args: deal, and any of reference, notional, currency, fixed_rate_bps.
	FlowReviseDeal = "revise_deal"
	// FlowRestart stops and starts the node. No args.
	FlowRestart = "restart"
)

// Step statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Assertion validates the trace or a node's vault.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Party selects the node (balance, deal_terms, transaction_count) or
	// filters steps (trace_contains).
	Party string `yaml:"party,omitempty"`

	// Currency and Equals are used by balance.
	Currency string `yaml:"currency,omitempty"`
	Equals   *int64 `yaml:"equals,omitempty"`

	// Deal and Terms are used by deal_terms. Terms is a subset match.
	Deal  string         `yaml:"deal,omitempty"`
	Terms map[string]any `yaml:"terms,omitempty"`

	// Flow and Status select steps (trace_contains, trace_count).
	Flow   string `yaml:"flow,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Count is used by trace_count and transaction_count.
	Count int `yaml:"count,omitempty"`

	// Flows is the expected order for trace_order.
	Flows []string `yaml:"flows,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance          = "balance"
	AssertDealTerms        = "deal_terms"
	AssertTransactionCount = "transaction_count"
	AssertTraceContains    = "trace_contains"
	AssertTraceCount       = "trace_count"
	AssertTraceOrder       = "trace_order"
)

// TraceEvent records how one step ended.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Party  string         `json:"party"`
	Flow   string         `json:"flow"`
	Args   map[string]any `json:"args,omitempty"`
	Status string         `json:"status"`
	Kind   string         `json:"kind,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step ended as expected and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends the event for a finished step.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
