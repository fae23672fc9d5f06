// Package quota meters shared-credential usage per caller.
//
// Counters live in the key-value store:
//
//	usage:{owner}:{mode}:{res}:{YYYY-MM-DD}  per-bucket attribution
//	usage:{owner}:{YYYY-MM-DD}               aggregate day counter
//	usage:global:{YYYY-MM-DD}                organization-wide ceiling
//	usage:{owner}:last_gen                   cooldown hash, field "ts"
//
// Admission, refunds and resets all act on the aggregate (and global)
// counters; the per-bucket keys only break usage down by mode and
// resolution. Keeping one admission counter per owner means a refund is
// immediately visible to the next Check.
//
// Check and Consume are deliberately separate: two concurrent requests can
// both pass Check and jointly overshoot the limit by a small margin. That
// race is accepted; the counters themselves stay consistent because every
// mutation is a single atomic INCRBY.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atelier-ai/atelier/internal/kv"
)

// Limits configures the ledger. A zero GlobalDailyLimit disables the
// organization-wide ceiling.
type Limits struct {
	DailyLimit       int
	GlobalDailyLimit int
	Cooldown         time.Duration
	MaxBatchSize     int
	BucketTTL        time.Duration
}

// Info reports counter state alongside a Check or Status result.
type Info struct {
	Used              int       `json:"used"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetsAt          time.Time `json:"resets_at"`
	CooldownRemaining int       `json:"cooldown_remaining,omitempty"`
	Cost              int       `json:"cost,omitempty"`
}

type Ledger struct {
	store  kv.Store
	limits Limits
	now    func() time.Time
}

func NewLedger(store kv.Store, limits Limits) *Ledger {
	if limits.BucketTTL <= 0 {
		limits.BucketTTL = 48 * time.Hour
	}
	return &Ledger{store: store, limits: limits, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

func (l *Ledger) day() string {
	return l.now().UTC().Format("2006-01-02")
}

func (l *Ledger) bucketKey(owner, mode, res string) string {
	return fmt.Sprintf("usage:%s:%s:%s:%s", owner, mode, res, l.day())
}

func (l *Ledger) aggregateKey(owner string) string {
	return fmt.Sprintf("usage:%s:%s", owner, l.day())
}

func (l *Ledger) globalKey() string {
	return "usage:global:" + l.day()
}

func cooldownKey(owner string) string {
	return "usage:" + owner + ":last_gen"
}

func (l *Ledger) resetsAt() time.Time {
	now := l.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) counter(ctx context.Context, key string) (int, error) {
	v, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("quota: counter %q corrupt: %w", key, err)
	}
	return n, nil
}

// Check reports whether owner may start count generations in the given
// bucket. Pure read; a denial is a normal return, never an error. Errors are
// reserved for store unavailability.
func (l *Ledger) Check(ctx context.Context, owner, mode, res string, count int, bypass bool) (bool, string, Info, error) {
	if bypass {
		return true, "OK", Info{}, nil
	}
	if count > l.limits.MaxBatchSize {
		return false,
			fmt.Sprintf("Batch size exceeds limit (%d/%d)", count, l.limits.MaxBatchSize),
			Info{Limit: l.limits.DailyLimit, ResetsAt: l.resetsAt()},
			nil
	}

	if l.limits.Cooldown > 0 {
		ts, ok, err := l.store.HGet(ctx, cooldownKey(owner), "ts")
		if err != nil {
			return false, "", Info{}, err
		}
		if ok {
			last, err := strconv.ParseInt(ts, 10, 64)
			if err == nil {
				elapsed := l.now().Unix() - last
				wait := int64(l.limits.Cooldown/time.Second) - elapsed
				if wait > 0 {
					return false,
						fmt.Sprintf("Please wait %ds before next generation", wait),
						Info{CooldownRemaining: int(wait), Limit: l.limits.DailyLimit, ResetsAt: l.resetsAt()},
						nil
				}
			}
		}
	}

	if l.limits.GlobalDailyLimit > 0 {
		globalUsed, err := l.counter(ctx, l.globalKey())
		if err != nil {
			return false, "", Info{}, err
		}
		if globalUsed+count > l.limits.GlobalDailyLimit {
			return false,
				"Service-wide generation capacity exhausted for today",
				Info{Limit: l.limits.DailyLimit, ResetsAt: l.resetsAt()},
				nil
		}
	}

	used, err := l.counter(ctx, l.aggregateKey(owner))
	if err != nil {
		return false, "", Info{}, err
	}
	remaining := l.limits.DailyLimit - used
	info := Info{
		Used:      used,
		Limit:     l.limits.DailyLimit,
		Remaining: remaining,
		ResetsAt:  l.resetsAt(),
		Cost:      count,
	}
	if count > remaining {
		return false, fmt.Sprintf("Daily limit reached (%d/%d)", used, l.limits.DailyLimit), info, nil
	}
	return true, "OK", info, nil
}

// Consume records count generations against owner's bucket, aggregate and
// the global counter, and arms the cooldown. Callers invoke it only after a
// successful Check in the same logical request.
func (l *Ledger) Consume(ctx context.Context, owner, mode, res string, count int, bypass bool) error {
	if bypass || count <= 0 {
		return nil
	}
	delta := int64(count)
	for _, key := range []string{l.bucketKey(owner, mode, res), l.aggregateKey(owner), l.globalKey()} {
		if _, err := l.store.IncrBy(ctx, key, delta); err != nil {
			return err
		}
		if err := l.store.Expire(ctx, key, l.limits.BucketTTL); err != nil {
			return err
		}
	}
	if l.limits.Cooldown > 0 {
		key := cooldownKey(owner)
		if err := l.store.HSet(ctx, key, map[string]string{
			"ts": strconv.FormatInt(l.now().Unix(), 10),
		}); err != nil {
			return err
		}
		if err := l.store.Expire(ctx, key, l.limits.Cooldown+10*time.Second); err != nil {
			return err
		}
	}
	return nil
}

// Refund returns up to count points to owner's current aggregate day
// counter and to the global counter, flooring both at zero, and reports the
// amount actually refunded. Refunds target the aggregate rather than a
// mode/resolution bucket because the original attribution may have rolled
// over by cancellation time; Check admits against the same aggregate, so a
// refund is visible to the very next request.
func (l *Ledger) Refund(ctx context.Context, owner string, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	key := l.aggregateKey(owner)
	used, err := l.counter(ctx, key)
	if err != nil {
		return 0, err
	}
	refund := count
	if used < refund {
		refund = used
	}
	if refund <= 0 {
		return 0, nil
	}
	if _, err := l.store.IncrBy(ctx, key, -int64(refund)); err != nil {
		return 0, err
	}
	globalUsed, err := l.counter(ctx, l.globalKey())
	if err != nil {
		return refund, err
	}
	globalRefund := refund
	if globalUsed < globalRefund {
		globalRefund = globalUsed
	}
	if globalRefund > 0 {
		if _, err := l.store.IncrBy(ctx, l.globalKey(), -int64(globalRefund)); err != nil {
			return refund, err
		}
	}
	return refund, nil
}

// Status reports owner's aggregate usage for display.
func (l *Ledger) Status(ctx context.Context, owner string) (Info, error) {
	used, err := l.counter(ctx, l.aggregateKey(owner))
	if err != nil {
		return Info{}, err
	}
	remaining := l.limits.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	info := Info{
		Used:      used,
		Limit:     l.limits.DailyLimit,
		Remaining: remaining,
		ResetsAt:  l.resetsAt(),
	}
	ts, ok, err := l.store.HGet(ctx, cooldownKey(owner), "ts")
	if err != nil {
		return Info{}, err
	}
	if ok {
		if last, perr := strconv.ParseInt(ts, 10, 64); perr == nil {
			wait := int64(l.limits.Cooldown/time.Second) - (l.now().Unix() - last)
			if wait > 0 {
				info.CooldownRemaining = int(wait)
			}
		}
	}
	return info, nil
}

// Reset clears owner's counters for the current day. Admin operation.
func (l *Ledger) Reset(ctx context.Context, owner string) error {
	keys := []string{l.aggregateKey(owner), cooldownKey(owner)}
	return l.store.Del(ctx, keys...)
}
