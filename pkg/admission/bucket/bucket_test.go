package bucket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/goadmit/internal/testutil"
	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

func TestNewSafe(t *testing.T) {
	b, err := NewSafe(Config{})
	testutil.AssertError(t, err)
	if b != nil {
		t.Error("expected nil bucket on error")
	}

	b, err = NewSafe(Config{Limits: []LimitConfig{
		{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10},
	}})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, b.MaximumTokens(), int64(10))
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty limit set")
		}
	}()
	New(Config{})
}

func TestTryConsume(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	out, err := b.TryConsume(4)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Allowed(), true)
	testutil.AssertEqual(t, out.Granted(), int64(4))
	testutil.AssertEqual(t, out.Remaining(), int64(6))

	out, err = b.TryConsume(7)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Allowed(), false)
	testutil.AssertEqual(t, out.Granted(), int64(0))
	if out.RetryAfter() <= 0 {
		t.Errorf("expected positive retry delay, got %v", out.RetryAfter())
	}
	if len(out.Bottleneck()) != 1 {
		t.Errorf("expected one bottleneck limit, got %d", len(out.Bottleneck()))
	}

	// The denied attempt must not have debited anything.
	testutil.AssertEqual(t, b.AvailableTokens(), int64(6))
}

func TestTryConsumeRange(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10, InitialTokens: 6})

	out, err := b.TryConsumeRange(1, 100)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Granted(), int64(6))
	testutil.AssertEqual(t, b.AvailableTokens(), int64(0))

	out, err = b.TryConsumeRange(1, 100)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Allowed(), false)
}

func TestRangeValidation(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	tests := []struct {
		name     string
		min, max int64
	}{
		{"zero min", 0, 5},
		{"negative min", -1, 5},
		{"zero max", 1, 0},
		{"min above max", 6, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.TryConsumeRange(tt.min, tt.max)
			testutil.AssertError(t, err)
			if !gaerrors.IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	// Pre-consumption state is untouched by rejected requests.
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
}

// Consuming across several limits must be all or nothing: a grant debits
// every limit by the same amount in one step.
func TestMultiLimitAtomicCommit(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk,
		LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10},
		LimitConfig{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
	)
	testutil.AssertEqual(t, b.MaximumTokens(), int64(10))

	out, err := b.TryConsumeRange(1, 1000)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Granted(), int64(10))

	limits := b.Limits()
	testutil.AssertEqual(t, limits[0].AvailableTokens(), int64(0))
	testutil.AssertEqual(t, limits[1].AvailableTokens(), int64(90))
}

func TestMultiLimitDeniedDebitsNothing(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk,
		LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10, InitialTokens: 2},
		LimitConfig{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
	)

	out, err := b.TryConsume(5)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Allowed(), false)

	limits := b.Limits()
	testutil.AssertEqual(t, limits[0].AvailableTokens(), int64(2))
	testutil.AssertEqual(t, limits[1].AvailableTokens(), int64(100))
}

func TestNeverSatisfiable(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	_, err := b.TryConsume(11)
	testutil.AssertError(t, err)
	if !gaerrors.IsNeverSatisfiable(err) {
		t.Errorf("expected never-satisfiable error, got %v", err)
	}

	// Blocking on an impossible request must fail immediately, not hang.
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	_, err = b.Consume(ctx, 11)
	testutil.AssertError(t, err)
	if !gaerrors.IsNeverSatisfiable(err) {
		t.Errorf("expected never-satisfiable error, got %v", err)
	}
}

func TestConsumeBlocksUntilRefill(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{
		TokensPerPeriod: 1000,
		Period:          100 * time.Millisecond,
		MaximumTokens:   1000,
		InitialTokens:   0,
	})

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	out, err := b.Consume(ctx, 5)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.Granted(), int64(5))
	if !out.DecidedAt().After(out.RequestedAt()) {
		t.Error("expected the decision to come after the request")
	}
}

func TestConsumeContextCanceled(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{
		TokensPerPeriod: 1,
		Period:          time.Hour,
		MaximumTokens:   100,
		InitialTokens:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Consume(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestConsumeAlreadyCanceledContext(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Consume(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
	// Even though tokens were available, a dead context consumes nothing.
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
}

func TestListenerObservesWaits(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{
		TokensPerPeriod: 1000,
		Period:          100 * time.Millisecond,
		MaximumTokens:   1000,
		InitialTokens:   0,
	})

	var events atomic.Int64
	var firstEvent atomic.Pointer[WaitEvent]
	b.AddListener(ListenerFunc(func(ev WaitEvent) error {
		events.Add(1)
		e := ev
		firstEvent.CompareAndSwap(nil, &e)
		return nil
	}))

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	_, err := b.Consume(ctx, 5)
	testutil.AssertNoError(t, err)

	if events.Load() == 0 {
		t.Fatal("expected at least one wait event")
	}
	ev := firstEvent.Load()
	testutil.AssertEqual(t, ev.Requested, int64(5))
	if ev.Node != b {
		t.Error("expected the event to name the blocked node")
	}
	if len(ev.Bottleneck) == 0 {
		t.Error("expected the event to carry the bottleneck limits")
	}
}

func TestListenerAbortsWait(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{
		TokensPerPeriod: 1,
		Period:          time.Hour,
		MaximumTokens:   100,
		InitialTokens:   0,
	})

	abort := errors.New("queue too deep")
	b.AddListener(ListenerFunc(func(WaitEvent) error {
		return abort
	}))

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	_, err := b.Consume(ctx, 1)
	if !errors.Is(err, abort) {
		t.Errorf("expected listener abort error, got %v", err)
	}
}

func TestSlowestLimit(t *testing.T) {
	b := testBucket(t, nil,
		LimitConfig{TokensPerPeriod: 100, Period: time.Second, MaximumTokens: 100},
		LimitConfig{TokensPerPeriod: 5, Period: time.Second, MaximumTokens: 5},
		LimitConfig{TokensPerPeriod: 50, Period: time.Second, MaximumTokens: 50},
	)
	testutil.AssertEqual(t, b.SlowestLimit().TokensPerPeriod(), int64(5))
}

func TestUserData(t *testing.T) {
	b := testBucket(t, nil, LimitConfig{TokensPerPeriod: 10, Period: time.Second, MaximumTokens: 10})
	if b.UserData() != nil {
		t.Error("expected nil user data by default")
	}
	b.SetUserData("tenant-7")
	testutil.AssertEqual(t, b.UserData().(string), "tenant-7")
}

func TestConcurrentTryConsume(t *testing.T) {
	clk := testutil.NewMockClock(time.Unix(0, 0))
	b := testBucket(t, clk, LimitConfig{
		TokensPerPeriod: 1,
		Period:          time.Hour,
		MaximumTokens:   100,
		InitialTokens:   100,
	})

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := b.TryConsume(1)
			if err == nil && out.Allowed() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	// With a frozen clock exactly the initial tokens are grantable.
	testutil.AssertEqual(t, granted.Load(), int64(100))
	testutil.AssertEqual(t, b.AvailableTokens(), int64(0))
}
