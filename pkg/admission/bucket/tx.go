package bucket

import (
	"time"

	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

// LimitTx is a mutable snapshot of one limit's configuration, edited in
// place by Limit.Update. All fields are applied together or not at all.
type LimitTx struct {
	TokensPerPeriod int64
	Period          time.Duration
	MaximumTokens   int64
	MinimumToRefill int64

	// AvailableTokens is the live token count. Setting it negative is an
	// administrative override that forces future consumers to wait out
	// the debt.
	AvailableTokens int64

	UserData any
}

// Update atomically reconfigures the limit. The function receives the
// current configuration as a LimitTx and edits it; the edited snapshot is
// validated and, if sound, applied as one unit. Concurrent consumers see
// either the old configuration or the new one, never a mix.
func (l *Limit) Update(fn func(tx *LimitTx)) error {
	b := l.owner
	b.mu.Lock()

	if l.removed {
		b.mu.Unlock()
		return gaerrors.NewValidationError("bucket", "limit", nil, "limit was removed from its bucket").
			WithHint("add a new limit instead of reconfiguring a removed one")
	}

	tx := LimitTx{
		TokensPerPeriod: l.tokensPerPeriod,
		Period:          l.period,
		MaximumTokens:   l.maximumTokens,
		MinimumToRefill: l.minimumToRefill,
		AvailableTokens: l.available,
		UserData:        l.userData,
	}
	fn(&tx)

	if err := validateLimitTx(tx); err != nil {
		b.mu.Unlock()
		return err
	}

	eases := txEases(l, tx)
	l.applyTx(tx)
	b.mu.Unlock()

	refreshCapacityUpward(b)
	if eases {
		b.signalTree()
	}
	return nil
}

func validateLimitTx(tx LimitTx) error {
	if err := validateLimitConfig(LimitConfig{
		TokensPerPeriod: tx.TokensPerPeriod,
		Period:          tx.Period,
		MaximumTokens:   tx.MaximumTokens,
		MinimumToRefill: tx.MinimumToRefill,
	}); err != nil {
		return err
	}
	if tx.AvailableTokens > tx.MaximumTokens {
		return gaerrors.NewValidationError("bucket", "availableTokens", tx.AvailableTokens, "cannot exceed maximumTokens")
	}
	return nil
}

// txEases reports whether the reconfiguration could unblock a waiting
// consumer: more tokens, a higher ceiling, a faster rate, or looser refill
// batching.
func txEases(l *Limit, tx LimitTx) bool {
	if tx.AvailableTokens > l.available {
		return true
	}
	if tx.MaximumTokens > l.maximumTokens {
		return true
	}
	if tx.MinimumToRefill < l.minimumToRefill {
		return true
	}
	newRate := float64(tx.TokensPerPeriod) / tx.Period.Seconds()
	return newRate > l.rate()
}

// applyTx installs the snapshot. Caller holds the bucket write lock.
func (l *Limit) applyTx(tx LimitTx) {
	if tx.MinimumToRefill == 0 {
		tx.MinimumToRefill = 1
	}
	l.tokensPerPeriod = tx.TokensPerPeriod
	l.period = tx.Period
	l.maximumTokens = tx.MaximumTokens
	l.minimumToRefill = tx.MinimumToRefill
	l.available = tx.AvailableTokens
	l.userData = tx.UserData
}

// BucketTx edits a bucket's limit set. Methods record intent; nothing is
// applied until the Update callback returns without error.
type BucketTx struct {
	limits  []*Limit
	added   []LimitConfig
	removed map[*Limit]bool
}

// Limits returns the limits as the transaction currently sees them:
// the original set minus removals. Additions are not visible until the
// transaction commits.
func (tx *BucketTx) Limits() []*Limit {
	out := make([]*Limit, 0, len(tx.limits))
	for _, l := range tx.limits {
		if !tx.removed[l] {
			out = append(out, l)
		}
	}
	return out
}

// Add schedules a new limit built from cfg.
func (tx *BucketTx) Add(cfg LimitConfig) {
	tx.added = append(tx.added, cfg)
}

// Remove schedules the removal of an existing limit.
func (tx *BucketTx) Remove(l *Limit) {
	tx.removed[l] = true
}

// Update atomically edits the bucket's limit set. The callback records
// additions and removals on the BucketTx; if it returns nil and the
// resulting set is valid, all changes apply as one unit. Surviving limits
// keep their identity and token state.
//
// The callback runs under the bucket's lock and must work through the
// transaction's view only; calling consume or accessor methods on the
// bucket or its limits from inside it deadlocks.
func (b *Bucket) Update(fn func(tx *BucketTx) error) error {
	b.mu.Lock()

	tx := &BucketTx{
		limits:  b.limits,
		removed: make(map[*Limit]bool),
	}
	if err := fn(tx); err != nil {
		b.mu.Unlock()
		return err
	}

	kept := tx.Limits()
	if len(kept)+len(tx.added) == 0 {
		b.mu.Unlock()
		return gaerrors.NewValidationError("bucket", "limits", 0, "at least one limit is required")
	}

	now := b.clk.Now()
	fresh := make([]*Limit, 0, len(tx.added))
	for _, cfg := range tx.added {
		l, err := newLimit(cfg, now)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		l.owner = b
		fresh = append(fresh, l)
	}

	for l := range tx.removed {
		l.removed = true
	}
	b.limits = append(kept, fresh...)
	removedAny := len(tx.removed) > 0
	b.mu.Unlock()

	refreshCapacityUpward(b)
	if removedAny {
		// One less limit to satisfy can only make requests easier.
		b.signalTree()
	}
	return nil
}

// CompositeTx edits a composite's child set and policy. Methods record
// intent; nothing is applied until the Update callback returns without
// error.
type CompositeTx struct {
	composite *Composite
	children  []admissionNode
	policy    ConsumptionPolicy

	added     []admissionNode
	removed   map[admissionNode]bool
	newPolicy ConsumptionPolicy
}

// Children returns the children as the transaction currently sees them:
// the original set minus removals. Additions are not visible until the
// transaction commits.
func (tx *CompositeTx) Children() []Node {
	out := make([]Node, 0, len(tx.children))
	for _, ch := range tx.children {
		if !tx.removed[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// Add schedules a node for attachment. The node must not already belong
// to a composite and must not sit above this composite in the tree.
func (tx *CompositeTx) Add(child Node) error {
	n, ok := child.(admissionNode)
	if !ok {
		return gaerrors.NewValidationError("composite", "child", nil, "node was not created by this package")
	}
	if n.parent() != nil {
		return errAlreadyAttached()
	}
	if tx.composite.wouldCycle(n) {
		return gaerrors.NewValidationError("composite", "child", nil, "attachment would create a cycle").
			WithHint("a node cannot contain one of its own ancestors")
	}
	tx.added = append(tx.added, n)
	return nil
}

// Remove schedules the detachment of an existing child.
func (tx *CompositeTx) Remove(child Node) {
	if n, ok := child.(admissionNode); ok {
		tx.removed[n] = true
	}
}

// SetPolicy schedules a policy replacement.
func (tx *CompositeTx) SetPolicy(p ConsumptionPolicy) {
	tx.newPolicy = p
}

// Policy returns the policy as the transaction currently sees it.
func (tx *CompositeTx) Policy() ConsumptionPolicy {
	if tx.newPolicy != nil {
		return tx.newPolicy
	}
	return tx.policy
}

// Update atomically edits the composite's child set and policy. The
// callback records changes on the CompositeTx; if it returns nil, all
// changes apply as one unit. Surviving children keep their identity,
// order, and token state; added children append in order.
//
// The callback runs under the composite's lock and must work through the
// transaction's view only; calling consume or accessor methods on the
// composite from inside it deadlocks.
func (c *Composite) Update(fn func(tx *CompositeTx) error) error {
	c.mu.Lock()

	tx := &CompositeTx{
		composite: c,
		children:  c.children,
		policy:    c.policy,
		removed:   make(map[admissionNode]bool),
	}
	if err := fn(tx); err != nil {
		c.mu.Unlock()
		return err
	}

	kept := make([]admissionNode, 0, len(c.children))
	for _, ch := range c.children {
		if !tx.removed[ch] {
			kept = append(kept, ch)
		}
	}
	if len(kept)+len(tx.added) == 0 {
		c.mu.Unlock()
		return gaerrors.NewValidationError("composite", "children", 0, "at least one child is required")
	}

	for i, n := range tx.added {
		if err := n.attachParent(c); err != nil {
			for _, attached := range tx.added[:i] {
				attached.detachParent(c)
			}
			c.mu.Unlock()
			return err
		}
	}
	for n := range tx.removed {
		n.detachParent(c)
	}

	oldPolicy := c.policy
	c.children = append(kept, tx.added...)
	if tx.newPolicy != nil {
		c.policy = tx.newPolicy
	}

	_, wasAll := oldPolicy.(consumeFromAll)
	wake := tx.newPolicy != nil ||
		(len(tx.removed) > 0 && wasAll) ||
		(len(tx.added) > 0 && !wasAll)
	c.mu.Unlock()

	refreshCapacityUpward(c)
	if wake {
		c.signalTree()
	}
	return nil
}
