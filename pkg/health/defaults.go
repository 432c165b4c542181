package health

// DefaultPolicy returns the rules used when no policy file is configured.
// Only conditions that make a device unusable for a running job are
// unhealthy.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: []Rule{
			{
				Name:      "ecc-uncorrected",
				Condition: `gpu.metrics.ecc_uncorrected > 0`,
				Result:    ResultUnhealthy,
				Priority:  100,
			},
			{
				Name:      "thermal-critical",
				Condition: `gpu.metrics.temperature >= 95`,
				Result:    ResultUnhealthy,
				Priority:  100,
			},
			{
				Name:      "thermal-warning",
				Condition: `gpu.metrics.temperature >= 85`,
				Result:    ResultDegraded,
				Priority:  50,
			},
			{
				Name:      "memory-exhausted",
				Condition: `gpu.metrics.memory_total > 0 && gpu.metrics.memory_used >= gpu.metrics.memory_total`,
				Result:    ResultDegraded,
				Priority:  40,
			},
			{
				Name:      "default-healthy",
				Condition: `true`,
				Result:    ResultHealthy,
				Priority:  0,
			},
		},
	}
}
