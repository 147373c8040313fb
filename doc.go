/*
Package goadmit provides in-process admission control built on the token
bucket algorithm, with multi-limit buckets and hierarchical composition.

Admission Control (pkg/admission):
  - bucket: token-bucket Limits, Buckets, Composites, and policies

Supporting packages:
  - pkg/metrics: Prometheus instrumentation for admission nodes
  - pkg/common/errors: shared error types
  - pkg/common/validation: configuration validation helpers

Example usage:

	import "github.com/vnykmshr/goadmit/pkg/admission/bucket"

	node := bucket.New(bucket.Config{
		Limits: []bucket.LimitConfig{
			{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 200},
		},
	})

	out, err := node.TryConsume(5)
	if err == nil && out.Allowed() {
		// proceed with the request
	}
*/
package goadmit
