package health

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/NavarchProject/intervalcheck/pkg/gpu"
)

// Sample is one device's identity and metrics at a point in time.
type Sample struct {
	Device gpu.DeviceInfo
	Health gpu.HealthInfo
}

// vars returns the CEL activation for the sample.
func (s *Sample) vars() map[string]any {
	return map[string]any{
		"gpu": map[string]any{
			"index":      int64(s.Device.Index),
			"uuid":       s.Device.UUID,
			"name":       s.Device.Name,
			"pci_bus_id": s.Device.PCIBusID,
			"metrics":    s.Health.Metrics(),
		},
	}
}

// Verdict is the outcome of evaluating a set of samples.
type Verdict struct {
	// Status is the worst result across all devices.
	Status Result

	// Rule and Device identify the match that set Status. Device is -1
	// when no rule matched.
	Rule   string
	Device int

	// Matches holds the first matching rule of every device that matched.
	Matches []Match
}

// Match records a rule matching a device.
type Match struct {
	Rule   string
	Device int
	Result Result
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Evaluator applies a compiled policy to samples. It is safe for
// concurrent use.
type Evaluator struct {
	policy *Policy
	rules  []compiledRule
}

// NewEvaluator compiles every rule of the policy.
func NewEvaluator(policy *Policy) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("gpu", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	sorted := policy.SortedRules()
	rules := make([]compiledRule, 0, len(sorted))
	for _, rule := range sorted {
		ast, issues := env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", rule.Name, issues.Err())
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("create program for rule %q: %w", rule.Name, err)
		}
		rules = append(rules, compiledRule{Rule: rule, program: program})
	}

	return &Evaluator{policy: policy, rules: rules}, nil
}

// Evaluate judges every sample and returns the worst verdict. A condition
// that fails at runtime, such as a missing metric, does not match.
func (e *Evaluator) Evaluate(ctx context.Context, samples []Sample) (*Verdict, error) {
	v := &Verdict{
		Status: ResultHealthy,
		Device: -1,
	}

	for i := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rule, ok := e.first(samples[i].vars())
		if !ok {
			continue
		}

		m := Match{Rule: rule.Name, Device: samples[i].Device.Index, Result: rule.Result}
		v.Matches = append(v.Matches, m)
		if m.Result.Worse(v.Status) {
			v.Status = m.Result
			v.Rule = m.Rule
			v.Device = m.Device
		}
	}
	return v, nil
}

func (e *Evaluator) first(activation map[string]any) (*compiledRule, bool) {
	for i := range e.rules {
		out, _, err := e.rules[i].program.Eval(activation)
		if err != nil {
			continue
		}
		if out == types.True {
			return &e.rules[i], true
		}
	}
	return nil, false
}

// Policy returns the evaluator's policy.
func (e *Evaluator) Policy() *Policy {
	return e.policy
}
