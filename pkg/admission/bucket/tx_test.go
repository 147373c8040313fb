package bucket

import (
	"testing"
	"time"

	"github.com/vnykmshr/goadmit/internal/testutil"
	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

func TestLimitUpdate(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})
	l := b.Limits()[0]

	err := l.Update(func(tx *LimitTx) {
		tx.TokensPerPeriod = 50
		tx.MaximumTokens = 100
		tx.AvailableTokens = 60
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, l.TokensPerPeriod(), int64(50))
	testutil.AssertEqual(t, l.MaximumTokens(), int64(100))
	testutil.AssertEqual(t, l.AvailableTokens(), int64(60))
	testutil.AssertEqual(t, b.MaximumTokens(), int64(100))
}

func TestLimitUpdateRejectedWholesale(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})
	l := b.Limits()[0]

	err := l.Update(func(tx *LimitTx) {
		tx.TokensPerPeriod = 50
		tx.MaximumTokens = 20 // below the new tokensPerPeriod
	})
	testutil.AssertError(t, err)
	if !gaerrors.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	// Nothing from the rejected snapshot may leak through.
	testutil.AssertEqual(t, l.TokensPerPeriod(), int64(10))
	testutil.AssertEqual(t, l.MaximumTokens(), int64(10))
}

func TestLimitUpdateAvailableAboveMaximum(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	err := b.Limits()[0].Update(func(tx *LimitTx) {
		tx.AvailableTokens = 11
	})
	testutil.AssertError(t, err)
}

// A negative token count is a valid administrative override: consumers
// must pay off the debt through refill before anything is granted again.
func TestLimitUpdateNegativeOverride(t *testing.T) {
	now := time.Unix(0, 0)
	clk := testutil.NewMockClock(now)
	b := testBucket(t, clk, LimitConfig{TokensPerPeriod: 1, Period: time.Second, MaximumTokens: 10})
	l := b.Limits()[0]

	err := l.Update(func(tx *LimitTx) {
		tx.AvailableTokens = -5
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, l.AvailableTokens(), int64(-5))

	out, err := b.TryConsume(1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Allowed(), false)
	// 1 requested plus 5 of debt at 1 token/s.
	testutil.AssertEqual(t, out.AvailableAt(), now.Add(6*time.Second))

	clk.Advance(6 * time.Second)
	out, err = b.TryConsume(1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Granted(), int64(1))
}

func TestLimitUpdateWakesWaiters(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{
		TokensPerPeriod: 1,
		Period:          time.Hour,
		MaximumTokens:   100,
		InitialTokens:   0,
	})

	done := make(chan *Outcome, 1)
	go func() {
		ctx, cancel := testutil.WithTimeout(t)
		defer cancel()
		out, err := b.Consume(ctx, 5)
		if err != nil {
			t.Error(err)
		}
		done <- out
	}()

	// Wait until the consumer is parked, then hand it tokens.
	testutil.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		b.gate.mu.Lock()
		defer b.gate.mu.Unlock()
		return b.gate.ch != nil
	}, testutil.TestTimeout)

	err := b.Limits()[0].Update(func(tx *LimitTx) {
		tx.AvailableTokens = 5
	})
	testutil.AssertNoError(t, err)

	select {
	case out := <-done:
		testutil.AssertEqual(t, out.Granted(), int64(5))
	case <-time.After(testutil.TestTimeout):
		t.Fatal("waiter was not woken by the update")
	}
}

func TestBucketUpdateAddAndRemove(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk,
		LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10, InitialTokens: 4},
		LimitConfig{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
	)
	survivor := b.Limits()[0]

	err := b.Update(func(tx *BucketTx) error {
		tx.Remove(tx.Limits()[1])
		tx.Add(LimitConfig{TokensPerPeriod: 5, Period: time.Second, MaximumTokens: 5})
		return nil
	})
	testutil.AssertNoError(t, err)

	limits := b.Limits()
	testutil.AssertEqual(t, len(limits), 2)
	if limits[0] != survivor {
		t.Error("expected the surviving limit to keep its identity")
	}
	// The survivor's token state carried through the transaction.
	testutil.AssertEqual(t, limits[0].AvailableTokens(), int64(4))
	testutil.AssertEqual(t, b.MaximumTokens(), int64(5))
}

func TestRemovedLimitRefusesUpdate(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk,
		LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10, InitialTokens: 4},
		LimitConfig{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
	)
	removed := b.Limits()[1]

	err := b.Update(func(tx *BucketTx) error {
		tx.Remove(tx.Limits()[1])
		return nil
	})
	testutil.AssertNoError(t, err)

	// Reconfiguring a detached limit fails instead of silently mutating
	// state the bucket no longer consults.
	err = removed.Update(func(tx *LimitTx) {
		tx.AvailableTokens = 0
	})
	testutil.AssertError(t, err)
	if !gaerrors.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	// Reads still answer with the final committed state.
	testutil.AssertEqual(t, removed.AvailableTokens(), int64(100))
	testutil.AssertEqual(t, removed.Rate(), 100.0)
	testutil.AssertEqual(t, b.MaximumTokens(), int64(10))
}

func TestBucketUpdateCannotEmpty(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	err := b.Update(func(tx *BucketTx) error {
		tx.Remove(tx.Limits()[0])
		return nil
	})
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, len(b.Limits()), 1)
}

func TestBucketUpdateCallbackErrorAborts(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	boom := gaerrors.NewValidationError("test", "field", nil, "nope")
	err := b.Update(func(tx *BucketTx) error {
		tx.Add(LimitConfig{TokensPerPeriod: 5, Period: time.Second, MaximumTokens: 5})
		return boom
	})
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, len(b.Limits()), 1)
}

func TestCompositeUpdateAddRemove(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	a := slowBucket(t, clk, 5, 5)
	b := slowBucket(t, clk, 10, 10)
	d := slowBucket(t, clk, 20, 20)

	c := NewComposite(CompositeConfig{Children: []Node{a, b}, Policy: ConsumeFromAll(), Clock: clk})
	testutil.AssertEqual(t, c.MaximumTokens(), int64(5))

	err := c.Update(func(tx *CompositeTx) error {
		tx.Remove(a)
		return tx.Add(d)
	})
	testutil.AssertNoError(t, err)

	children := c.Children()
	testutil.AssertEqual(t, len(children), 2)
	if children[0] != Node(b) || children[1] != Node(d) {
		t.Error("expected surviving children first, additions appended")
	}
	testutil.AssertEqual(t, c.MaximumTokens(), int64(10))
	if a.parent() != nil {
		t.Error("expected the removed child to be detached")
	}

	// The detached child is free to join another composite.
	_, err = NewCompositeSafe(CompositeConfig{Children: []Node{a}, Clock: clk})
	testutil.AssertNoError(t, err)
}

func TestCompositeUpdateRejectsCycle(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	a := slowBucket(t, clk, 5, 5)
	inner := NewComposite(CompositeConfig{Children: []Node{a}, Clock: clk})
	b := slowBucket(t, clk, 5, 5)
	outer := NewComposite(CompositeConfig{Children: []Node{inner, b}, Clock: clk})

	err := inner.Update(func(tx *CompositeTx) error {
		return tx.Add(inner)
	})
	testutil.AssertError(t, err)

	err = inner.Update(func(tx *CompositeTx) error {
		return tx.Add(outer)
	})
	testutil.AssertError(t, err)
}

func TestCompositeUpdateSetPolicy(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	a := slowBucket(t, clk, 5, 5)
	b := slowBucket(t, clk, 10, 10)
	c := NewComposite(CompositeConfig{Children: []Node{a, b}, Policy: ConsumeFromAll(), Clock: clk})
	testutil.AssertEqual(t, c.MaximumTokens(), int64(5))

	err := c.Update(func(tx *CompositeTx) error {
		tx.SetPolicy(ConsumeFromOne(RoundRobin()))
		return nil
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, c.MaximumTokens(), int64(10))

	out, err := c.TryConsume(7)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Granted(), int64(7))
	if out.Node() != Node(b) {
		t.Error("expected the larger child to serve under the new policy")
	}
}

func TestCompositeCapacityRefreshPropagatesUp(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	a := testBucket(t, clk, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})
	b := slowBucket(t, clk, 20, 20)
	c := NewComposite(CompositeConfig{Children: []Node{a, b}, Policy: ConsumeFromAll(), Clock: clk})
	testutil.AssertEqual(t, c.MaximumTokens(), int64(10))

	err := a.Limits()[0].Update(func(tx *LimitTx) {
		tx.TokensPerPeriod = 30
		tx.MaximumTokens = 30
		tx.AvailableTokens = 30
	})
	testutil.AssertNoError(t, err)

	// The composite's ceiling moved to the next-smallest child.
	testutil.AssertEqual(t, c.MaximumTokens(), int64(20))
}
