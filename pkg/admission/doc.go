/*
Package admission groups the admission-control primitives of goadmit.

An admission node answers one question: may a caller consume N tokens right
now, and if not, when could it? The building blocks:

  - bucket.Limit: one replenishing counter with a rate, ceiling, and
    refill batching threshold
  - bucket.Bucket: a leaf node that admits a request only when every one
    of its limits can supply it
  - bucket.Composite: an inner node that spreads requests over child nodes
    according to a consumption policy, forming arbitrarily nested trees

Requests carry a [min, max] token range: the node grants as much as it can
within the range, defers the request when even min is unavailable, and
rejects outright when min exceeds what the node could ever hold.

All nodes are safe for concurrent use and integrate with the context
package for cancellation and timeouts.
*/
package admission
