// Package health decides whether sampled GPU metrics are acceptable, using
// rules written as CEL expressions.
package health

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Result is the verdict of a rule.
type Result string

const (
	ResultHealthy   Result = "healthy"
	ResultDegraded  Result = "degraded"
	ResultUnhealthy Result = "unhealthy"
)

// Severity orders results: healthy 0, degraded 1, unhealthy 2. Unknown
// results are -1.
func (r Result) Severity() int {
	switch r {
	case ResultHealthy:
		return 0
	case ResultDegraded:
		return 1
	case ResultUnhealthy:
		return 2
	default:
		return -1
	}
}

// Worse reports whether r is more severe than other.
func (r Result) Worse(other Result) bool {
	return r.Severity() > other.Severity()
}

// Policy is an ordered set of rules.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Rule maps a condition on one device to a result.
type Rule struct {
	Name string `yaml:"name"`

	// Condition is a CEL expression over the variable gpu:
	//
	//	gpu.index       int
	//	gpu.uuid        string
	//	gpu.name        string
	//	gpu.pci_bus_id  string
	//	gpu.metrics     map: temperature, power_usage, memory_used,
	//	                memory_total, gpu_utilization, ecc_uncorrected
	Condition string `yaml:"condition"`

	Result Result `yaml:"result"`

	// Priority orders evaluation, highest first. Ties keep file order.
	Priority int `yaml:"priority"`
}

// RuleError reports a malformed rule.
type RuleError struct {
	Index int
	Name  string
	Err   error
}

func (e *RuleError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("rule %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("rule %q: %v", e.Name, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// ErrNoRules is returned for a policy without rules.
var ErrNoRules = errors.New("policy must have at least one rule")

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy. Unknown keys are
// rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return &policy, nil
}

// Validate reports every malformed rule at once.
func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return ErrNoRules
	}

	var errs []error
	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		fail := func(err error) {
			errs = append(errs, &RuleError{Index: i, Name: rule.Name, Err: err})
		}

		if rule.Name == "" {
			fail(errors.New("name is required"))
		} else if _, dup := seen[rule.Name]; dup {
			fail(errors.New("duplicate name"))
		}
		seen[rule.Name] = struct{}{}

		if rule.Condition == "" {
			fail(errors.New("condition is required"))
		}
		if rule.Result.Severity() < 0 {
			fail(fmt.Errorf("invalid result %q (must be %s, %s or %s)",
				rule.Result, ResultHealthy, ResultDegraded, ResultUnhealthy))
		}
	}
	return errors.Join(errs...)
}

// SortedRules returns a copy of the rules in evaluation order.
func (p *Policy) SortedRules() []Rule {
	sorted := slices.Clone(p.Rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return sorted
}
