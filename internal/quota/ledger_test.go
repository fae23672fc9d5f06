package quota

import (
	"context"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/internal/kv"
)

func testLedger(t *testing.T) (*Ledger, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	l := NewLedger(store, Limits{
		DailyLimit:       5,
		GlobalDailyLimit: 100,
		Cooldown:         3 * time.Second,
		MaxBatchSize:     5,
		BucketTTL:        48 * time.Hour,
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })
	store.SetClock(func() time.Time { return now })
	return l, store
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, reason, _, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !ok {
			t.Fatalf("Check #%d denied: %s", i+1, reason)
		}
		l.SetClock(advance(l, 4*time.Second))
		if err := l.Consume(ctx, "alice", "generate", "1024", 1, false); err != nil {
			t.Fatalf("Consume: %v", err)
		}
		l.SetClock(advance(l, 4*time.Second))
	}

	ok, reason, info, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check allowed a sixth generation past the limit")
	}
	if reason != "Daily limit reached (5/5)" {
		t.Errorf("reason = %q", reason)
	}
	if info.Used != 5 || info.Remaining != 0 {
		t.Errorf("info = %+v, want used=5 remaining=0", info)
	}
}

// advance returns a clock count seconds past the ledger's current time.
// Clumsy but keeps each test's timeline explicit.
func advance(l *Ledger, d time.Duration) func() time.Time {
	at := l.now().Add(d)
	return func() time.Time { return at }
}

func TestBypassSkipsAllChecks(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, _, _, err := l.Check(ctx, "vip", "generate", "1024", 5, true)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !ok {
			t.Fatalf("bypass Check denied on iteration %d", i)
		}
		if err := l.Consume(ctx, "vip", "generate", "1024", 5, true); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	info, err := l.Status(ctx, "vip")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("bypass consumption recorded usage %d, want 0", info.Used)
	}
}

func TestCooldownDeniesRapidRequests(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 1, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ok, _, info, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check allowed a request inside the cooldown window")
	}
	if info.CooldownRemaining <= 0 {
		t.Errorf("CooldownRemaining = %d, want > 0", info.CooldownRemaining)
	}

	l.SetClock(advance(l, 4*time.Second))
	ok, reason, _, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("Check denied after cooldown elapsed: %s", reason)
	}
}

func TestBatchSizeCap(t *testing.T) {
	l, _ := testLedger(t)
	ok, reason, _, err := l.Check(context.Background(), "alice", "generate", "1024", 6, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check allowed a batch larger than the cap")
	}
	if reason != "Batch size exceeds limit (6/5)" {
		t.Errorf("reason = %q", reason)
	}
}

func TestGlobalCap(t *testing.T) {
	store := kv.NewMemoryStore()
	l := NewLedger(store, Limits{DailyLimit: 50, GlobalDailyLimit: 3, MaxBatchSize: 5})
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 2, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	ok, reason, _, err := l.Check(ctx, "bob", "generate", "1024", 2, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check allowed a request past the global cap")
	}
	if reason != "Service-wide generation capacity exhausted for today" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRefundCappedAndFlooredAtZero(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 3, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	n, err := l.Refund(ctx, "alice", 5)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if n != 3 {
		t.Errorf("Refund = %d, want 3 (capped at usage)", n)
	}

	n, err = l.Refund(ctx, "alice", 5)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if n != 0 {
		t.Errorf("second Refund = %d, want 0", n)
	}
	info, err := l.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 {
		t.Errorf("Used = %d after double refund, want 0", info.Used)
	}
}

func TestRefundAfterPartialBatch(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	// Five consumed up front, two items completed before cancellation.
	if err := l.Consume(ctx, "alice", "generate", "1024", 5, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	n, err := l.Refund(ctx, "alice", 5-2)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if n != 3 {
		t.Errorf("Refund = %d, want 3", n)
	}
	info, err := l.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 2 {
		t.Errorf("Used = %d, want 2", info.Used)
	}
}

func TestRefundRestoresAdmission(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 5, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	l.SetClock(advance(l, 4*time.Second))

	ok, reason, _, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Fatal("Check allowed a request at the limit")
	}
	if reason != "Daily limit reached (5/5)" {
		t.Errorf("reason = %q", reason)
	}

	if _, err := l.Refund(ctx, "alice", 5); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	ok, reason, info, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("Check denied after a full refund: %s", reason)
	}
	if info.Used != 0 || info.Remaining != 5 {
		t.Errorf("info = %+v, want used=0 remaining=5", info)
	}
}

func TestRefundRestoresGlobalCapacity(t *testing.T) {
	store := kv.NewMemoryStore()
	l := NewLedger(store, Limits{DailyLimit: 50, GlobalDailyLimit: 3, MaxBatchSize: 5})
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 3, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := l.Refund(ctx, "alice", 3); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	ok, reason, _, err := l.Check(ctx, "bob", "generate", "1024", 3, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("Check denied after alice's refund freed global capacity: %s", reason)
	}
}

func TestResetClearsCounters(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 4, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := l.Reset(ctx, "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	info, err := l.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Used != 0 || info.CooldownRemaining != 0 {
		t.Errorf("Status after reset = %+v, want zeroed", info)
	}
}

func TestResetRestoresAdmission(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 5, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := l.Reset(ctx, "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	ok, reason, _, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("Check denied after an admin reset: %s", reason)
	}
}

func TestBucketsRollOverAtMidnightUTC(t *testing.T) {
	l, store := testLedger(t)
	ctx := context.Background()

	if err := l.Consume(ctx, "alice", "generate", "1024", 5, false); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	next := time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)
	l.SetClock(func() time.Time { return next })
	store.SetClock(func() time.Time { return next })

	ok, reason, _, err := l.Check(ctx, "alice", "generate", "1024", 1, false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Fatalf("Check denied after day rollover: %s", reason)
	}
}
