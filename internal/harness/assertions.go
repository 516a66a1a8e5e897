package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/ledgerflow/internal/flows"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s on %s: %s", event.Seq, event.Flow, event.Party, event.Status)
			if event.Kind != "" {
				fmt.Fprintf(&buf, " (%s)", event.Kind)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// matches reports whether a step event satisfies the assertion's filters.
func matches(event TraceEvent, a Assertion) bool {
	return event.Flow == a.Flow &&
		(a.Party == "" || event.Party == a.Party) &&
		(a.Status == "" || event.Status == a.Status)
}

// assertTraceContains checks that some step matches flow, party and status.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s (party=%q status=%q)", a.Flow, a.Party, a.Status),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count steps match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Flow),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first occurrences of Flows appear in
// order. Intervening steps are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if slices.Contains(a.Flows, event.Flow) && positions[event.Flow] == 0 {
			positions[event.Flow] = i + 1 // 1-indexed for readability
		}
	}

	for _, flow := range a.Flows {
		if positions[flow] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all flows present: %v", a.Flows),
				Actual:   fmt.Sprintf("missing flow: %s", flow),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Flows); i++ {
		prev, curr := a.Flows[i-1], a.Flows[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("flows in order: %v", a.Flows),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertBalance(v *ledger.MemoryVault, a Assertion) error {
	if a.Equals == nil {
		return fmt.Errorf("balance assertion for %s requires equals", a.Party)
	}
	got := v.Balance(a.Currency)
	if got != *a.Equals {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("%s holds %d %s", a.Party, *a.Equals, a.Currency),
			Actual:   fmt.Sprintf("%d %s", got, a.Currency),
		}
	}
	return nil
}

func assertTransactionCount(v *ledger.MemoryVault, a Assertion) error {
	got := len(v.Transactions())
	if got != a.Count {
		return &AssertionError{
			Type:     AssertTransactionCount,
			Expected: fmt.Sprintf("%s recorded %d transactions", a.Party, a.Count),
			Actual:   fmt.Sprintf("%d transactions", got),
		}
	}
	return nil
}

// assertDealTerms checks the current revision of a deal against Terms
// (subset match).
func assertDealTerms(v *ledger.MemoryVault, a Assertion) error {
	current, err := v.Current(a.Deal)
	if err != nil {
		return &AssertionError{
			Type:     AssertDealTerms,
			Expected: fmt.Sprintf("%s holds deal %s", a.Party, a.Deal),
			Actual:   err.Error(),
		}
	}
	terms, err := flows.DealTermsOf(current.State)
	if err != nil {
		return err
	}
	actual, err := toGeneric(terms)
	if err != nil {
		return err
	}
	expected, err := toGeneric(a.Terms)
	if err != nil {
		return err
	}
	if !matchArgs(actual, expected) {
		return &AssertionError{
			Type:     AssertDealTerms,
			Expected: fmt.Sprintf("deal %s on %s with terms %v", a.Deal, a.Party, a.Terms),
			Actual:   fmt.Sprintf("%+v", terms),
		}
	}
	return nil
}

// toGeneric round-trips v through JSON so YAML and Go values compare alike.
func toGeneric(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchArgs checks if actual contains all expected keys (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists || !reflect.DeepEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates all assertions against the result and the
// final vaults. Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, vaults map[string]*ledger.MemoryVault) []string {
	var errs []string

	for i, a := range assertions {
		var err error
		vault := vaults[a.Party]

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertBalance, AssertDealTerms, AssertTransactionCount:
			if vault == nil {
				err = fmt.Errorf("assertion[%d]: no vault for party %q", i, a.Party)
				break
			}
			switch a.Type {
			case AssertBalance:
				err = assertBalance(vault, a)
			case AssertDealTerms:
				err = assertDealTerms(vault, a)
			default:
				err = assertTransactionCount(vault, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
