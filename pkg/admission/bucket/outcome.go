package bucket

import "time"

// Outcome is the immutable result of one consumption attempt. A granted
// attempt carries the amount actually consumed; a deferred attempt carries
// the instant at which it would become satisfiable and the limits that
// caused the deferral.
type Outcome struct {
	node          Node
	minRequested  int64
	maxRequested  int64
	granted       int64
	requestedAt   time.Time
	decidedAt     time.Time
	availableAt   time.Time
	remaining     int64
	bottleneck    []*Limit
	unsatisfiable bool
}

// Node returns the admission node the attempt originated from. For a
// composite serving a request from exactly one child, this is the child
// that granted or deferred it.
func (o *Outcome) Node() Node {
	return o.node
}

// Requested returns the token range the caller asked for.
func (o *Outcome) Requested() (minTokens, maxTokens int64) {
	return o.minRequested, o.maxRequested
}

// Granted returns the number of tokens actually consumed, zero if the
// attempt was deferred.
func (o *Outcome) Granted() int64 {
	return o.granted
}

// Allowed reports whether any tokens were granted.
func (o *Outcome) Allowed() bool {
	return o.granted > 0
}

// RequestedAt returns the instant the caller first asked.
func (o *Outcome) RequestedAt() time.Time {
	return o.requestedAt
}

// DecidedAt returns the instant the decision was made. For a blocking
// consume this is the instant of the final attempt.
func (o *Outcome) DecidedAt() time.Time {
	return o.decidedAt
}

// AvailableAt returns the instant at which a deferred request is projected
// to become satisfiable. For a granted request it equals DecidedAt.
func (o *Outcome) AvailableAt() time.Time {
	return o.availableAt
}

// RetryAfter returns how long after the decision a deferred request should
// wait before retrying. It is zero for granted requests.
func (o *Outcome) RetryAfter() time.Duration {
	if o.granted > 0 {
		return 0
	}
	d := o.availableAt.Sub(o.decidedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Remaining returns the tokens left on the limiting resource after the
// decision.
func (o *Outcome) Remaining() int64 {
	return o.remaining
}

// Bottleneck returns the limits whose insufficiency deferred the request.
// It is empty exactly when tokens were granted.
func (o *Outcome) Bottleneck() []*Limit {
	if len(o.bottleneck) == 0 {
		return nil
	}
	return append([]*Limit(nil), o.bottleneck...)
}

// Satisfiable reports whether the request could ever succeed. A false
// value means the minimum exceeds capacity the node can ever hold; waiting
// will not help.
func (o *Outcome) Satisfiable() bool {
	return !o.unsatisfiable
}
