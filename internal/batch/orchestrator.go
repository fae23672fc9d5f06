package batch

import (
	"context"
	"errors"
	"time"

	"github.com/atelier-ai/atelier/internal/engine"
	"github.com/atelier-ai/atelier/internal/history"
	"github.com/atelier-ai/atelier/internal/observability"
	"github.com/atelier-ai/atelier/internal/storage"
	"github.com/atelier-ai/atelier/internal/tasks"
)

// Refunder returns quota points after failed or skipped work.
type Refunder interface {
	Refund(ctx context.Context, owner string, count int) (int, error)
}

// Orchestrator drives a job through the task lifecycle: mark processing,
// generate item by item, persist results, publish progress, finalize.
//
// Cancellation is cooperative. The cancelled flag is re-read after every
// suspension point (each engine call and image save); an item already in
// flight when the flag rises still completes and stays charged.
type Orchestrator struct {
	tasks    *tasks.Store
	hub      *tasks.Hub
	engine   engine.Engine
	storage  storage.Store
	archive  history.Archive
	refunder Refunder
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewOrchestrator(
	taskStore *tasks.Store,
	hub *tasks.Hub,
	eng engine.Engine,
	objects storage.Store,
	archive history.Archive,
	refunder Refunder,
	metrics *observability.Metrics,
) *Orchestrator {
	if archive == nil {
		archive = history.Noop{}
	}
	return &Orchestrator{
		tasks:    taskStore,
		hub:      hub,
		engine:   eng,
		storage:  objects,
		archive:  archive,
		refunder: refunder,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run executes one job to a terminal state. Per-item failures are recorded
// on the task and do not abort the remaining items; the batch completes as
// long as the record itself stays reachable.
func (o *Orchestrator) Run(ctx context.Context, job Job) {
	if o.metrics != nil {
		defer o.metrics.ActiveTasks.Dec()
	}

	cancelled, err := o.tasks.MarkProcessing(ctx, job.TaskID)
	if err != nil {
		// Record gone (expired or store down); nothing to finalize.
		return
	}
	if cancelled {
		o.finalize(ctx, job, tasks.StatusCancelled, "")
		return
	}
	o.publish(job, tasks.EventStarted, tasks.StatusProcessing, 0, len(job.Prompts), nil, nil)

	for i, prompt := range job.Prompts {
		if o.flagRaised(ctx, job.TaskID) {
			o.finalize(ctx, job, tasks.StatusCancelled, "")
			return
		}

		result, genErr := o.generateItem(ctx, job, prompt)
		if ctx.Err() != nil {
			// Shutdown mid-batch: leave the record for TTL expiry.
			return
		}

		// The engine call was a suspension point; honor a flag raised
		// while it ran before charging more work, but keep this item's
		// outcome.
		var itemResult *tasks.ItemResult
		var itemError *tasks.ItemError
		if genErr != nil {
			itemError = &tasks.ItemError{Index: i, Message: genErr.Error()}
			if o.metrics != nil {
				o.metrics.ItemsProcessed.WithLabelValues("failed").Inc()
				o.metrics.EngineErrors.WithLabelValues(o.engine.Name(), string(engine.Classify(genErr))).Inc()
			}
		} else {
			itemResult = &tasks.ItemResult{Index: i, Key: result.Key, Filename: result.Filename, URL: result.URL}
			if o.metrics != nil {
				o.metrics.ItemsProcessed.WithLabelValues("ok").Inc()
			}
		}

		t, err := o.tasks.Advance(ctx, job.TaskID, itemResult, itemError)
		if err != nil {
			return
		}
		o.publish(job, tasks.EventProgress, t.Status, t.Progress, t.Total, itemResult, itemError)
	}

	if o.flagRaised(ctx, job.TaskID) {
		o.finalize(ctx, job, tasks.StatusCancelled, "")
		return
	}
	o.finalize(ctx, job, tasks.StatusCompleted, "")
}

// RunSingle executes a one-image job. A failure refunds the single point
// and fails the task with a message safe to show the caller.
func (o *Orchestrator) RunSingle(ctx context.Context, job Job) {
	if o.metrics != nil {
		defer o.metrics.ActiveTasks.Dec()
	}

	cancelled, err := o.tasks.MarkProcessing(ctx, job.TaskID)
	if err != nil {
		return
	}
	if cancelled {
		o.finalize(ctx, job, tasks.StatusCancelled, "")
		return
	}
	o.publish(job, tasks.EventStarted, tasks.StatusProcessing, 0, 1, nil, nil)

	prompt := ""
	if len(job.Prompts) > 0 {
		prompt = job.Prompts[0]
	}
	result, genErr := o.generateItem(ctx, job, prompt)
	if ctx.Err() != nil {
		return
	}
	if genErr != nil {
		if o.metrics != nil {
			o.metrics.EngineErrors.WithLabelValues(o.engine.Name(), string(engine.Classify(genErr))).Inc()
		}
		if !job.Bypass && o.refunder != nil {
			if n, err := o.refunder.Refund(ctx, job.Owner, 1); err == nil && n > 0 {
				_ = o.tasks.RecordRefund(ctx, job.TaskID, n)
				if o.metrics != nil {
					o.metrics.QuotaRefunds.Add(float64(n))
				}
			}
		}
		o.finalize(ctx, job, tasks.StatusFailed, engine.FriendlyMessage(engine.Classify(genErr)))
		return
	}

	itemResult := &tasks.ItemResult{Index: 0, Key: result.Key, Filename: result.Filename, URL: result.URL}
	if _, err := o.tasks.Advance(ctx, job.TaskID, itemResult, nil); err != nil {
		return
	}
	o.finalize(ctx, job, tasks.StatusCompleted, "")
}

// errSafetyBlocked stands in for a refusal the engine reported without an
// error of its own. The text is already safe to show the caller.
var errSafetyBlocked = errors.New("prompt blocked by the safety filter")

type itemOutput struct {
	Key      string
	Filename string
	URL      string
}

func (o *Orchestrator) generateItem(ctx context.Context, job Job, prompt string) (itemOutput, error) {
	start := o.now()
	res, err := o.engine.Generate(ctx, engine.Request{
		Prompt:         prompt,
		NegativePrompt: job.NegativePrompt,
		AspectRatio:    job.AspectRatio,
		Resolution:     job.Resolution,
		SafetyLevel:    job.SafetyLevel,
	})
	if o.metrics != nil {
		o.metrics.ObserveEngineLatency(o.now().Sub(start))
	}
	if err != nil {
		return itemOutput{}, err
	}
	if res.SafetyBlocked {
		return itemOutput{}, errSafetyBlocked
	}

	obj, err := o.storage.Save(ctx, res.ImagePNG, storage.Meta{
		Owner:     job.Owner,
		Prompt:    prompt,
		TaskID:    job.TaskID,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		return itemOutput{}, err
	}

	if err := o.archive.SaveImage(ctx, history.ImageRecord{
		TaskID:    job.TaskID,
		Owner:     job.Owner,
		Prompt:    prompt,
		Mode:      job.Mode,
		ObjectKey: obj.Key,
		Filename:  obj.Filename,
		Size:      obj.Size,
	}); err != nil && o.metrics != nil {
		o.metrics.ArchiveErrors.Inc()
	}

	return itemOutput{Key: obj.Key, Filename: obj.Filename, URL: obj.URL}, nil
}

func (o *Orchestrator) flagRaised(ctx context.Context, taskID string) bool {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return t.Cancelled
}

func (o *Orchestrator) finalize(ctx context.Context, job Job, status tasks.Status, msg string) {
	// Finalize refuses a record that is already terminal (the cancel path
	// may have closed a queued task before its job was dequeued); in that
	// case there is nothing to count or publish.
	if err := o.tasks.Finalize(ctx, job.TaskID, status, msg); err != nil {
		return
	}
	t, err := o.tasks.Get(ctx, job.TaskID)
	if err != nil {
		return
	}
	if o.metrics != nil {
		o.metrics.TasksTotal.WithLabelValues(string(t.Kind), string(status)).Inc()
	}
	evt := tasks.EventCompleted
	switch status {
	case tasks.StatusFailed:
		evt = tasks.EventFailed
	case tasks.StatusCancelled:
		evt = tasks.EventCancelled
	}
	o.publish(job, evt, status, t.Progress, t.Total, nil, nil)
}

func (o *Orchestrator) publish(job Job, typ tasks.EventType, status tasks.Status, progress, total int, result *tasks.ItemResult, itemErr *tasks.ItemError) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(job.Owner, tasks.Event{
		Type:      typ,
		TaskID:    job.TaskID,
		Status:    status,
		Progress:  progress,
		Total:     total,
		Result:    result,
		ItemError: itemErr,
	})
}
