package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// does not match the scenario schema, or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := checkSchema(generic); err != nil {
		return nil, err
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// checkSchema unifies the decoded document with the embedded #Scenario
// definition. Definitions are closed, so unknown fields are rejected too.
func checkSchema(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("scenario does not match schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// validateScenario checks what the schema cannot: that steps and
// assertions refer to declared nodes and deals.
func validateScenario(s *Scenario) error {
	if s.Notary == "" {
		s.Notary = "notary"
	}
	for i, n := range s.Nodes {
		if slices.Contains(s.Nodes[:i], n) {
			return fmt.Errorf("node %q declared twice", n)
		}
		if n == s.Notary {
			return fmt.Errorf("node %q is the notary", n)
		}
	}

	deals := make(map[string]bool)
	for i, step := range s.Steps {
		if !slices.Contains(s.Nodes, step.Party) {
			return fmt.Errorf("steps[%d]: unknown party %q", i, step.Party)
		}
		switch step.Flow {
		case FlowCreateDeal:
			if step.As == "" {
				return fmt.Errorf("steps[%d]: create_deal requires as", i)
			}
			if deals[step.As] {
				return fmt.Errorf("steps[%d]: deal %q created twice", i, step.As)
			}
			deals[step.As] = true
		case FlowReviseDeal:
			name, _ := step.Args["deal"].(string)
			if !deals[name] {
				return fmt.Errorf("steps[%d]: revise_deal of unknown deal %q", i, name)
			}
		}
		if step.Expect != nil && step.Expect.Kind != "" && step.Expect.Status != StatusFailed {
			return fmt.Errorf("steps[%d].expect: kind requires status failed", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, s.Nodes, deals); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes []string, deals map[string]bool) error {
	needParty := func() error {
		if !slices.Contains(nodes, a.Party) {
			return fmt.Errorf("assertions[%d]: %s requires a declared party, got %q", index, a.Type, a.Party)
		}
		return nil
	}

	switch a.Type {
	case AssertBalance:
		if err := needParty(); err != nil {
			return err
		}
		if a.Currency == "" || a.Equals == nil {
			return fmt.Errorf("assertions[%d]: balance requires currency and equals", index)
		}
	case AssertDealTerms:
		if err := needParty(); err != nil {
			return err
		}
		if !deals[a.Deal] {
			return fmt.Errorf("assertions[%d]: unknown deal %q", index, a.Deal)
		}
		if len(a.Terms) == 0 {
			return fmt.Errorf("assertions[%d]: deal_terms requires terms", index)
		}
	case AssertTransactionCount:
		return needParty()
	case AssertTraceContains, AssertTraceCount:
		if a.Flow == "" {
			return fmt.Errorf("assertions[%d]: flow is required for %s", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.Flows) == 0 {
			return fmt.Errorf("assertions[%d]: flows list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
