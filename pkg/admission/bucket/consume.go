package bucket

import (
	"context"
	"fmt"
	"time"

	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

func validateRange(minTokens, maxTokens int64) error {
	if minTokens <= 0 {
		return gaerrors.NewValidationError("bucket", "minTokens", minTokens, "must be positive")
	}
	if maxTokens <= 0 {
		return gaerrors.NewValidationError("bucket", "maxTokens", maxTokens, "must be positive")
	}
	if minTokens > maxTokens {
		return gaerrors.NewValidationError("bucket", "minTokens", minTokens, "cannot exceed maxTokens").
			WithHint("swap the bounds or widen the range")
	}
	return nil
}

func errNeverSatisfiable(op string, minTokens, capacity int64) error {
	return gaerrors.NewOperationError("bucket", op, gaerrors.ErrNeverSatisfiable).
		WithContext(fmt.Sprintf("minimum %d exceeds maximum capacity %d", minTokens, capacity))
}

func errAlreadyAttached() error {
	return gaerrors.NewValidationError("composite", "child", nil, "node is already attached to a composite").
		WithHint("a node belongs to at most one parent; detach it first")
}

// tryConsumeNow runs one immediate attempt at the current instant. It is
// the shared body of every public TryConsume variant.
func tryConsumeNow(n admissionNode, op string, minTokens, maxTokens int64) (*Outcome, error) {
	if err := validateRange(minTokens, maxTokens); err != nil {
		return nil, err
	}

	now := n.clock().Now()
	out := n.tryConsume(minTokens, maxTokens, now, now)
	if !out.Satisfiable() {
		return nil, errNeverSatisfiable(op, minTokens, n.MaximumTokens())
	}
	return out, nil
}

// consumeBlocking is the shared body of every public Consume variant: one
// immediate attempt, and on deferral a listener-announced bounded sleep on
// the node's signal gate, restarting from scratch after every wakeup. A
// wakeup is never trusted; whether it came from the timer, a signal, or
// was spurious, the next attempt recomputes everything.
func consumeBlocking(ctx context.Context, n admissionNode, op string, minTokens, maxTokens int64) (*Outcome, error) {
	if err := validateRange(minTokens, maxTokens); err != nil {
		return nil, err
	}

	// Check if context is already canceled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	clk := n.clock()
	requestedAt := clk.Now()
	consumedAt := requestedAt

	for {
		out := n.tryConsume(minTokens, maxTokens, requestedAt, consumedAt)
		if out.Allowed() {
			return out, nil
		}
		if !out.Satisfiable() {
			return nil, errNeverSatisfiable(op, minTokens, n.MaximumTokens())
		}

		// Fetch the wait channel before notifying listeners so a commit
		// racing with the notification cannot be missed.
		waitCh := n.gateRef().waitChannel()

		if err := notifyWaitListeners(n, minTokens, out); err != nil {
			return nil, gaerrors.NewOperationError("bucket", op, err).
				WithContext("wait aborted by listener")
		}

		wait := out.availableAt.Sub(consumedAt)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-waitCh:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		consumedAt = clk.Now()
	}
}

// notifyWaitListeners runs listeners from the root of the tree down to the
// blocked node, outside every node lock. The first listener error aborts
// the wait.
func notifyWaitListeners(n admissionNode, requested int64, out *Outcome) error {
	chain := []admissionNode{n}
	for p := n.parent(); p != nil; p = p.parent() {
		chain = append(chain, p)
	}

	ev := WaitEvent{
		Node:        n,
		Requested:   requested,
		RequestedAt: out.requestedAt,
		AvailableAt: out.availableAt,
		Bottleneck:  out.Bottleneck(),
	}

	for i := len(chain) - 1; i >= 0; i-- {
		for _, l := range chain[i].listenersSnapshot() {
			if err := l.OnWait(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
