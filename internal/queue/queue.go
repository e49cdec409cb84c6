package queue

import (
	"context"
	"time"

	"lattice/internal/models"
	"lattice/internal/store"
)

// TaskQueue couples the durable record store with the Redis ready index.
// Claims are made exclusive by the index; every state transition lands in
// the store first.
type TaskQueue struct {
	store    store.Store
	index    *Index
	maxLimit int
}

// NewTaskQueue builds the queue facade. maxLimit caps claim batches and
// sibling reads; zero selects store.DefaultMaxLimit.
func NewTaskQueue(st store.Store, index *Index, maxLimit int) *TaskQueue {
	if maxLimit <= 0 {
		maxLimit = store.DefaultMaxLimit
	}
	return &TaskQueue{store: st, index: index, maxLimit: maxLimit}
}

func (q *TaskQueue) clamp(limit int) int {
	if limit <= 0 || limit > q.maxLimit {
		return q.maxLimit
	}
	return limit
}

// Submit inserts WAITING tasks and indexes them for claiming. Ids are
// returned in input order.
func (q *TaskQueue) Submit(ctx context.Context, specs []models.TaskSpec, tag *string) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tasks, err := q.store.CreateTasks(ctx, specs, tag)
	if err != nil {
		return nil, err
	}
	if err := q.index.Push(ctx, tasks...); err != nil {
		return nil, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// SubmitServices creates service records, each backed by one queue task, and
// indexes the tasks.
func (q *TaskQueue) SubmitServices(ctx context.Context, specs []store.ServiceSpec) ([]models.Service, error) {
	services, tasks, err := q.store.AddServices(ctx, specs)
	if err != nil {
		return nil, err
	}
	if err := q.index.Push(ctx, tasks...); err != nil {
		return nil, err
	}
	return services, nil
}

// EnqueueTask indexes an already-persisted task, e.g. one created inside a
// dataset submission transaction.
func (q *TaskQueue) EnqueueTask(ctx context.Context, t models.Task) error {
	return q.index.Push(ctx, t)
}

// GetNext atomically claims up to limit WAITING tasks matching tag, or any
// tag when nil. Concurrent callers receive disjoint sets. Ids popped from
// the index whose rows are no longer claimable are dropped silently.
func (q *TaskQueue) GetNext(ctx context.Context, limit int, tag *string) ([]models.Task, error) {
	ids, err := q.index.Claim(ctx, tag, q.clamp(limit))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := q.store.ClaimTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Task, len(claimed))
	for _, t := range claimed {
		byID[t.ID] = t
	}

	tasks := make([]models.Task, 0, len(claimed))
	var stale []string
	var serviceIDs []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		tasks = append(tasks, t)
		if t.ServiceID != nil {
			serviceIDs = append(serviceIDs, *t.ServiceID)
		}
	}
	if len(stale) > 0 {
		if err := q.index.Forget(ctx, stale...); err != nil {
			return nil, err
		}
	}
	if len(serviceIDs) > 0 {
		if err := q.store.MarkServicesRunning(ctx, serviceIDs); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// MarkComplete transitions tasks to COMPLETE and stores their result
// locations. Unknown or ineligible ids come back in the result, never as
// errors.
func (q *TaskQueue) MarkComplete(ctx context.Context, ids []string, locations []string) (models.BulkResult, error) {
	res, err := q.store.MarkTasksComplete(ctx, ids, locations)
	if err != nil {
		return res, err
	}
	tasks, err := q.store.GetTasks(ctx, ids)
	if err != nil {
		return res, err
	}
	if err := q.index.Remove(ctx, tasks...); err != nil {
		return res, err
	}
	return res, nil
}

// MarkError transitions tasks to ERROR with a message each. The owning
// service of every errored task is marked ERROR as well.
func (q *TaskQueue) MarkError(ctx context.Context, ids []string, messages []string) (models.BulkResult, error) {
	res, err := q.store.MarkTasksError(ctx, ids, messages)
	if err != nil {
		return res, err
	}
	tasks, err := q.store.GetTasks(ctx, ids)
	if err != nil {
		return res, err
	}
	if err := q.index.Remove(ctx, tasks...); err != nil {
		return res, err
	}

	var svcIDs []string
	var svcMsgs []string
	for _, t := range tasks {
		if t.Status == models.StatusError && t.ServiceID != nil && t.ErrorMessage != nil {
			svcIDs = append(svcIDs, *t.ServiceID)
			svcMsgs = append(svcMsgs, *t.ErrorMessage)
		}
	}
	if len(svcIDs) > 0 {
		if _, err := q.store.MarkServicesError(ctx, svcIDs, svcMsgs); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ResetStatus forces tasks back to WAITING from any status and re-queues
// each exactly once, so repeating a reset cannot double-queue. Owning
// services sitting in ERROR return to WAITING too.
func (q *TaskQueue) ResetStatus(ctx context.Context, ids []string) (models.BulkResult, error) {
	res, err := q.store.ResetTasks(ctx, ids)
	if err != nil {
		return res, err
	}
	tasks, err := q.store.GetTasks(ctx, ids)
	if err != nil {
		return res, err
	}
	if err := q.index.Requeue(ctx, tasks...); err != nil {
		return res, err
	}

	var svcIDs []string
	for _, t := range tasks {
		if t.ServiceID != nil {
			svcIDs = append(svcIDs, *t.ServiceID)
		}
	}
	if len(svcIDs) > 0 {
		if _, err := q.store.ResetServices(ctx, svcIDs); err != nil {
			return res, err
		}
	}
	return res, nil
}

// GetByID fetches one task plus up to limit sibling tasks sharing its
// service, for diagnostics.
func (q *TaskQueue) GetByID(ctx context.Context, id string, limit int) (models.Task, []models.Task, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, nil, err
	}
	if t.ServiceID == nil || limit <= 0 {
		return t, nil, nil
	}
	siblings, err := q.store.GetTasksByService(ctx, *t.ServiceID, q.clamp(limit))
	if err != nil {
		return models.Task{}, nil, err
	}
	related := siblings[:0]
	for _, s := range siblings {
		if s.ID != t.ID {
			related = append(related, s)
		}
	}
	return t, related, nil
}

// ReapExpired requeues tasks whose claim visibility deadline passed, e.g.
// after a manager died without reporting back. Returns the requeued ids.
func (q *TaskQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.index.Expired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.ResetStatus(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ExtendLease pushes the visibility deadline forward for a claimed task.
func (q *TaskQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.index.Extend(ctx, id, extension)
}

// Depth returns the number of ready tasks across all tags and priorities.
func (q *TaskQueue) Depth(ctx context.Context) (int64, error) {
	return q.index.Depth(ctx)
}

// InFlight returns the number of currently claimed tasks.
func (q *TaskQueue) InFlight(ctx context.Context) (int64, error) {
	return q.index.InFlight(ctx)
}
