package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lattice/internal/config"
	"lattice/internal/models"
	"lattice/internal/queue"
	"lattice/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory, *queue.TaskQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewMemory(0)
	q := queue.NewTaskQueue(st, queue.NewIndex(client, time.Minute), 0)

	cfg := config.Config{
		ManagerName:       "mgr-1",
		ClaimBatchSize:    10,
		ReapBatchSize:     100,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ResultsDir:        t.TempDir(),
	}
	up, err := NewUploader(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, q, st, up, logger), st, q
}

func scanPayload() models.ServicePayload {
	return models.ServicePayload{
		Inputs: []string{"C4H10"},
		Keywords: models.ScanKeywords{
			Axes:        [][]int{{0, 1, 2, 3}},
			GridSpacing: []int{90},
		},
	}
}

func submitScanService(t *testing.T, q *queue.TaskQueue) models.Service {
	t.Helper()
	services, err := q.SubmitServices(context.Background(), []store.ServiceSpec{{
		Program: models.ProgramTorsionScan,
		Payload: scanPayload(),
	}})
	if err != nil {
		t.Fatalf("submit services: %v", err)
	}
	return services[0]
}

func TestScanExecutorWalksFullCircle(t *testing.T) {
	exec := NewScanExecutor()
	res, err := exec.Execute(context.Background(), models.Task{}, models.ExecutionSpec{
		Program: models.ProgramTorsionScan,
		Payload: scanPayload(),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Spacing 90 over the full circle: the upper bound aliases the lower.
	if len(res.Stages) != 4 {
		t.Fatalf("expected 4 stages got %d", len(res.Stages))
	}
	for _, key := range []string{"-180", "-90", "0", "90"} {
		runs := res.Stages[key]
		if len(runs) != 1 {
			t.Fatalf("expected 1 run at %s got %d", key, len(runs))
		}
		if runs[0].ID == "" || len(runs[0].Trajectory) != 3 {
			t.Fatalf("unexpected run at %s: %+v", key, runs[0])
		}
	}
	if res.Counters["optimizations"] != 4 || res.Counters["gradients"] != 12 {
		t.Fatalf("unexpected counters %v", res.Counters)
	}

	// The synthetic profile peaks at 0 degrees and is deterministic.
	if got := res.Stages["0"][0].FinalEnergy; math.Abs(got+0.98) > 1e-9 {
		t.Fatalf("expected energy -0.98 at 0 degrees got %v", got)
	}
}

func TestScanExecutorHonorsAxisRanges(t *testing.T) {
	exec := NewScanExecutor()
	spec := models.ExecutionSpec{
		Payload: models.ServicePayload{
			Keywords: models.ScanKeywords{
				Axes:        [][]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
				GridSpacing: []int{90, 180},
				AxisRanges:  [][2]int{{-90, 90}, {0, 180}},
			},
		},
	}
	res, err := exec.Execute(context.Background(), models.Task{}, spec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Bounded windows keep both endpoints: 3 angles crossed with 2.
	if len(res.Stages) != 6 {
		t.Fatalf("expected 6 stages got %d", len(res.Stages))
	}
	if _, ok := res.Stages["-90,180"]; !ok {
		t.Fatalf("expected composite stage key, got %v", sortedKeys(res.Stages))
	}
	if res.Counters["optimizations"] != 6 {
		t.Fatalf("expected 6 optimizations got %d", res.Counters["optimizations"])
	}
}

func TestScanExecutorRejectsBadKeywords(t *testing.T) {
	exec := NewScanExecutor()

	if _, err := exec.Execute(context.Background(), models.Task{}, models.ExecutionSpec{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}

	huge := models.ExecutionSpec{
		Payload: models.ServicePayload{
			Keywords: models.ScanKeywords{
				Axes:        [][]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
				GridSpacing: []int{1, 1},
			},
		},
	}
	if _, err := exec.Execute(context.Background(), models.Task{}, huge); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected grid size rejection got %v", err)
	}
}

func TestManagerCompletesClaimedTask(t *testing.T) {
	ctx := context.Background()
	m, st, q := newTestManager(t)

	svc := submitScanService(t, q)
	tasks, err := q.GetNext(ctx, 1, nil)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("claim: %v (%d tasks)", err, len(tasks))
	}
	m.runTask(ctx, tasks[0])

	task, _, err := q.GetByID(ctx, tasks[0].ID, 0)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.StatusComplete {
		t.Fatalf("expected COMPLETE got %s", task.Status)
	}
	if task.ResultLocation == nil {
		t.Fatalf("expected a result location")
	}

	body, err := os.ReadFile(*task.ResultLocation)
	if err != nil {
		t.Fatalf("read result document: %v", err)
	}
	var doc resultDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode result document: %v", err)
	}
	if doc.TaskID != task.ID || doc.Manager != "mgr-1" || len(doc.Stages) != 4 {
		t.Fatalf("unexpected result document %+v", doc)
	}

	got, err := st.GetService(ctx, svc.ID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if got.Status != models.StatusComplete {
		t.Fatalf("expected service COMPLETE got %s", got.Status)
	}
	if len(got.Stages) != 4 {
		t.Fatalf("expected 4 stages on the service got %d", len(got.Stages))
	}
	if got.Counters["optimizations"] != 4 || got.Counters["gradients"] != 12 {
		t.Fatalf("unexpected service counters %v", got.Counters)
	}
}

func TestManagerErrorsUnrunnableTask(t *testing.T) {
	ctx := context.Background()
	m, _, q := newTestManager(t)

	ids, err := q.Submit(ctx, []models.TaskSpec{{Spec: json.RawMessage(`{"program":"torsion_scan"}`)}}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tasks, err := q.GetNext(ctx, 1, nil)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("claim: %v (%d tasks)", err, len(tasks))
	}
	m.runTask(ctx, tasks[0])

	task, _, err := q.GetByID(ctx, ids[0], 0)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.StatusError {
		t.Fatalf("expected ERROR got %s", task.Status)
	}
	if task.ErrorMessage == nil || !strings.Contains(*task.ErrorMessage, "scan axis") {
		t.Fatalf("expected a keyword validation message got %v", task.ErrorMessage)
	}
}

func TestManagerHeartbeatAccounting(t *testing.T) {
	ctx := context.Background()
	m, st, q := newTestManager(t)

	submitScanService(t, q)
	if _, err := q.Submit(ctx, []models.TaskSpec{{Spec: json.RawMessage(`{"broken":true}`)}}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tasks, err := q.GetNext(ctx, 10, nil)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("claim: %v (%d tasks)", err, len(tasks))
	}
	m.submitted.Add(int64(len(tasks)))
	for _, task := range tasks {
		m.runTask(ctx, task)
	}

	m.sendHeartbeat(ctx)

	managers, err := st.GetManagers(ctx, models.ManagerQuery{Names: []string{"mgr-1"}}, nil)
	if err != nil || len(managers) != 1 {
		t.Fatalf("get managers: %v (%d rows)", err, len(managers))
	}
	mgr := managers[0]
	if mgr.Submitted != 2 || mgr.Completed != 1 || mgr.Failures != 1 || mgr.Returned != 2 {
		t.Fatalf("unexpected counters submitted=%d completed=%d failures=%d returned=%d",
			mgr.Submitted, mgr.Completed, mgr.Failures, mgr.Returned)
	}

	// Counters reset on send, so a quiet beat adds nothing.
	m.sendHeartbeat(ctx)
	managers, err = st.GetManagers(ctx, models.ManagerQuery{Names: []string{"mgr-1"}}, nil)
	if err != nil {
		t.Fatalf("get managers: %v", err)
	}
	if managers[0].Submitted != 2 || managers[0].Returned != 2 {
		t.Fatalf("expected totals unchanged after quiet beat, got %+v", managers[0])
	}
}

func TestManagerRunDrainsQueue(t *testing.T) {
	m, st, q := newTestManager(t)

	svc := submitScanService(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetService(context.Background(), svc.ID)
		if err != nil {
			t.Fatalf("get service: %v", err)
		}
		if got.Status == models.StatusComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never completed, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}

func TestLocalUploaderConfinesKeys(t *testing.T) {
	dir := t.TempDir()
	up := &localUploader{baseDir: dir}

	loc, err := up.Upload(context.Background(), "../../escape.json", []byte(`{}`), "application/json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(loc, dir) {
		t.Fatalf("expected location under %s got %s", dir, loc)
	}
	if _, err := os.Stat(loc); err != nil {
		t.Fatalf("expected the document on disk: %v", err)
	}
}
