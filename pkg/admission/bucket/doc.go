// Package bucket provides hierarchical token-bucket admission control.
//
// The package admits or defers work by spending tokens from replenishing
// limits. A Bucket combines one or more Limits and grants a request only
// when every limit can supply it, atomically. A Composite combines child
// nodes under a consumption policy: ConsumeFromAll makes the composite
// the AND of its children, ConsumeFromOne spreads requests over them one
// at a time. Buckets and composites share the Node interface, so trees of
// arbitrary shape compose from the same four consume operations.
//
// All arithmetic is integer based. Refill credits whole tokens only and
// carries fractional elapsed time forward, so token counts are exact over
// any horizon and never drift.
//
// Basic usage:
//
//	node := bucket.New(bucket.Config{
//		Limits: []bucket.LimitConfig{
//			{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
//		},
//	})
//
//	out, err := node.TryConsume(1)
//	if err != nil {
//		// request malformed or never satisfiable
//	}
//	if out.Allowed() {
//		// proceed
//	} else {
//		// retry after out.RetryAfter()
//	}
//
// Blocking admission with a deadline:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//	out, err := node.Consume(ctx, 1)
//
// Sharing a rate across resources:
//
//	pool := bucket.NewComposite(bucket.CompositeConfig{
//		Children: []bucket.Node{replicaA, replicaB},
//		Policy:   bucket.ConsumeFromOne(bucket.RoundRobin()),
//	})
package bucket
