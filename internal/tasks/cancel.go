package tasks

import (
	"context"
	"fmt"
)

// Refunder returns quota points to an owner. Implemented by the quota
// ledger; narrowed to an interface so cancellation is testable without one.
type Refunder interface {
	Refund(ctx context.Context, owner string, count int) (int, error)
}

// CancelResult reports what a cancellation request accomplished.
type CancelResult struct {
	Task     Task `json:"task"`
	Refunded int  `json:"refunded"`
}

// Canceller implements the cancellation flow: authorize, reject terminal
// states, raise the cooperative flag, refund unfinished work.
type Canceller struct {
	store    *Store
	hub      *Hub
	refunder Refunder
}

func NewCanceller(store *Store, hub *Hub, refunder Refunder) *Canceller {
	return &Canceller{store: store, hub: hub, refunder: refunder}
}

// Cancel requests cancellation of taskID on behalf of requester.
//
// Only the task owner may cancel. A terminal task yields ErrConflict. The
// refund covers the items not yet finished (total minus progress, floored
// at zero); items completed between the progress read and the worker
// observing the flag stay charged. A queued task is finalized here since no
// worker holds it yet; a processing task keeps its status until the worker
// reaches its next checkpoint.
func (c *Canceller) Cancel(ctx context.Context, taskID, requester string) (CancelResult, error) {
	t, err := c.store.Get(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	if t.Owner != requester {
		return CancelResult{}, fmt.Errorf("%w: %s", ErrUnauthorized, taskID)
	}
	if t.Status.Terminal() {
		return CancelResult{}, fmt.Errorf("%w: %s is %s", ErrConflict, taskID, t.Status)
	}
	if t.Cancelled {
		// Flag already raised; refunding again would double-credit.
		return CancelResult{}, fmt.Errorf("%w: %s cancellation already requested", ErrConflict, taskID)
	}

	if err := c.store.SetCancelled(ctx, taskID); err != nil {
		return CancelResult{}, err
	}

	pending := t.Total - t.Progress
	if pending < 0 {
		pending = 0
	}
	refunded := 0
	if pending > 0 && c.refunder != nil {
		refunded, err = c.refunder.Refund(ctx, t.Owner, pending)
		if err != nil {
			// Flag already raised; the worker will stop. Report the
			// refund failure rather than unwinding cancellation.
			return CancelResult{}, fmt.Errorf("tasks: refund for %s: %w", taskID, err)
		}
		if err := c.store.RecordRefund(ctx, taskID, refunded); err != nil {
			return CancelResult{}, err
		}
	}

	if t.Status == StatusQueued {
		if err := c.store.Finalize(ctx, taskID, StatusCancelled, ""); err != nil {
			return CancelResult{}, err
		}
	}

	updated, err := c.store.Get(ctx, taskID)
	if err != nil {
		return CancelResult{}, err
	}
	if c.hub != nil {
		c.hub.Publish(t.Owner, Event{
			Type:     EventCancelled,
			TaskID:   taskID,
			Status:   updated.Status,
			Progress: updated.Progress,
			Total:    updated.Total,
		})
	}
	return CancelResult{Task: updated, Refunded: refunded}, nil
}
