package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lattice/internal/models"
	"lattice/internal/store"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*TaskQueue, *store.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewMemory(0)
	return NewTaskQueue(st, NewIndex(client, visibility), 0), st
}

func taskSpec(n int) models.TaskSpec {
	return models.TaskSpec{Spec: json.RawMessage(`{"n":` + strconv.Itoa(n) + `}`)}
}

func TestSubmitAndClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	ids, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1), taskSpec(2)}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids got %d", len(ids))
	}

	tasks, err := q.GetNext(ctx, 10, nil)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 claimed got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.StatusRunning {
			t.Fatalf("expected RUNNING got %s", task.Status)
		}
	}
	if tasks[0].ID != ids[0] || tasks[1].ID != ids[1] {
		t.Fatalf("expected oldest-first claim order")
	}

	again, err := q.GetNext(ctx, 10, nil)
	if err != nil {
		t.Fatalf("get next on empty queue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no tasks got %d", len(again))
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.Submit(ctx, []models.TaskSpec{{}}, nil)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}
}

func TestClaimWalksPrioritiesHighFirst(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
	tag := "gpu"

	lowIDs, err := q.Submit(ctx, []models.TaskSpec{{Spec: json.RawMessage(`{}`), Priority: models.PriorityLow}}, &tag)
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	highIDs, err := q.Submit(ctx, []models.TaskSpec{{Spec: json.RawMessage(`{}`), Priority: models.PriorityHigh}}, &tag)
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}

	first, err := q.GetNext(ctx, 1, &tag)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(first) != 1 || first[0].ID != highIDs[0] {
		t.Fatalf("expected high-priority task first")
	}
	second, err := q.GetNext(ctx, 1, &tag)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(second) != 1 || second[0].ID != lowIDs[0] {
		t.Fatalf("expected low-priority task second")
	}
}

func TestClaimFiltersByTag(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	tagA := "a"
	taggedIDs, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1)}, &tagA)
	if err != nil {
		t.Fatalf("submit tagged: %v", err)
	}
	plainIDs, err := q.Submit(ctx, []models.TaskSpec{taskSpec(2)}, nil)
	if err != nil {
		t.Fatalf("submit untagged: %v", err)
	}

	tagB := "b"
	none, err := q.GetNext(ctx, 10, &tagB)
	if err != nil {
		t.Fatalf("get next tag b: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected nothing for unknown tag got %d", len(none))
	}

	gotA, err := q.GetNext(ctx, 10, &tagA)
	if err != nil {
		t.Fatalf("get next tag a: %v", err)
	}
	if len(gotA) != 1 || gotA[0].ID != taggedIDs[0] {
		t.Fatalf("expected only the tagged task")
	}

	rest, err := q.GetNext(ctx, 10, nil)
	if err != nil {
		t.Fatalf("get next any: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != plainIDs[0] {
		t.Fatalf("expected the untagged task for an unrestricted claim")
	}
}

func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	const n = 24
	specs := make([]models.TaskSpec, n)
	for i := range specs {
		specs[i] = taskSpec(i)
	}
	if _, err := q.Submit(ctx, specs, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tasks, err := q.GetNext(ctx, 1, nil)
				if err != nil {
					t.Errorf("get next: %v", err)
					return
				}
				if len(tasks) == 0 {
					return
				}
				mu.Lock()
				for _, task := range tasks {
					seen[task.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct claims got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("task %s claimed %d times", id, count)
		}
	}
}

func TestMarkCompleteReportsMissing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	ids, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1)}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.GetNext(ctx, 1, nil); err != nil {
		t.Fatalf("get next: %v", err)
	}

	res, err := q.MarkComplete(ctx, []string{ids[0], "missing-id"}, []string{"file:///r/0", ""})
	if err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected 1 updated got %d", res.Updated)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "missing-id" {
		t.Fatalf("expected missing-id reported got %v", res.Missing)
	}

	task, _, err := q.GetByID(ctx, ids[0], 0)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if task.Status != models.StatusComplete {
		t.Fatalf("expected COMPLETE got %s", task.Status)
	}
	if task.ResultLocation == nil || *task.ResultLocation != "file:///r/0" {
		t.Fatalf("result location not stored: %v", task.ResultLocation)
	}
}

func TestMarkErrorThenResetRecovers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	ids, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1)}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.GetNext(ctx, 1, nil); err != nil {
		t.Fatalf("get next: %v", err)
	}
	if _, err := q.MarkError(ctx, ids, []string{"scf did not converge"}); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	task, _, err := q.GetByID(ctx, ids[0], 0)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if task.Status != models.StatusError {
		t.Fatalf("expected ERROR got %s", task.Status)
	}
	if task.ErrorMessage == nil || *task.ErrorMessage != "scf did not converge" {
		t.Fatalf("error message not stored: %v", task.ErrorMessage)
	}

	if _, err := q.ResetStatus(ctx, ids); err != nil {
		t.Fatalf("reset: %v", err)
	}
	task, _, err = q.GetByID(ctx, ids[0], 0)
	if err != nil {
		t.Fatalf("get by id after reset: %v", err)
	}
	if task.Status != models.StatusWaiting {
		t.Fatalf("expected WAITING got %s", task.Status)
	}
	if task.ErrorMessage != nil {
		t.Fatalf("expected error message cleared got %q", *task.ErrorMessage)
	}

	claimed, err := q.GetNext(ctx, 1, nil)
	if err != nil {
		t.Fatalf("get next after reset: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != ids[0] {
		t.Fatalf("expected reset task to be claimable")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	ids, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1)}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.ResetStatus(ctx, ids); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if _, err := q.ResetStatus(ctx, ids); err != nil {
		t.Fatalf("second reset: %v", err)
	}

	tasks, err := q.GetNext(ctx, 10, nil)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("double reset must not double-queue, claimed %d", len(tasks))
	}
}

func TestServiceLifecycleFollowsTasks(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, time.Minute)

	services, err := q.SubmitServices(ctx, []store.ServiceSpec{{
		Program: "torsion_scan",
		Payload: models.ServicePayload{Inputs: []string{"mol-1"}},
	}})
	if err != nil {
		t.Fatalf("submit services: %v", err)
	}
	if len(services) != 1 || services[0].Status != models.StatusWaiting {
		t.Fatalf("expected one WAITING service got %+v", services)
	}

	tasks, err := q.GetNext(ctx, 1, nil)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the backing task to be claimable")
	}
	svc, err := st.GetService(ctx, services[0].ID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Status != models.StatusRunning {
		t.Fatalf("expected service RUNNING after first claim got %s", svc.Status)
	}

	if _, err := q.MarkError(ctx, []string{tasks[0].ID}, []string{"stage failed"}); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	svc, err = st.GetService(ctx, services[0].ID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Status != models.StatusError {
		t.Fatalf("expected service ERROR got %s", svc.Status)
	}
	if svc.ErrorMessage == nil || *svc.ErrorMessage != "stage failed" {
		t.Fatalf("expected propagated error message got %v", svc.ErrorMessage)
	}

	if _, err := q.ResetStatus(ctx, []string{tasks[0].ID}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	svc, err = st.GetService(ctx, services[0].ID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Status != models.StatusWaiting {
		t.Fatalf("expected service WAITING after reset got %s", svc.Status)
	}
}

func TestReapExpiredRequeues(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	ids, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1)}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.GetNext(ctx, 1, nil); err != nil {
		t.Fatalf("get next: %v", err)
	}

	// Nothing expires before the deadline.
	reaped, err := q.ReapExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected nothing reaped got %v", reaped)
	}

	reaped, err = q.ReapExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("reap past deadline: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != ids[0] {
		t.Fatalf("expected task reaped got %v", reaped)
	}

	claimed, err := q.GetNext(ctx, 1, nil)
	if err != nil {
		t.Fatalf("get next after reap: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != ids[0] {
		t.Fatalf("expected reaped task claimable again")
	}
}

func TestDepthAndInFlight(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	tag := "cpu"
	if _, err := q.Submit(ctx, []models.TaskSpec{taskSpec(1), taskSpec(2)}, &tag); err != nil {
		t.Fatalf("submit tagged: %v", err)
	}
	if _, err := q.Submit(ctx, []models.TaskSpec{taskSpec(3)}, nil); err != nil {
		t.Fatalf("submit untagged: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3 got %d", depth)
	}

	tasks, err := q.GetNext(ctx, 2, &tag)
	if err != nil {
		t.Fatalf("get next: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 claims got %d", len(tasks))
	}

	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 got %d", depth)
	}
	inflight, err := q.InFlight(ctx)
	if err != nil {
		t.Fatalf("inflight: %v", err)
	}
	if inflight != 2 {
		t.Fatalf("expected 2 in flight got %d", inflight)
	}

	if _, err := q.MarkComplete(ctx, []string{tasks[0].ID}, []string{"file:///r/1"}); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	inflight, err = q.InFlight(ctx)
	if err != nil {
		t.Fatalf("inflight: %v", err)
	}
	if inflight != 1 {
		t.Fatalf("expected 1 in flight got %d", inflight)
	}
}
