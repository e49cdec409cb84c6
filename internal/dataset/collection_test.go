package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lattice/internal/models"
	"lattice/internal/queue"
	"lattice/internal/store"
)

func newTestCollection(t *testing.T) (*Collection, *store.Memory, *queue.TaskQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewMemory(0)
	q := queue.NewTaskQueue(st, queue.NewIndex(client, time.Minute), 0)

	col, err := Create(context.Background(), st, q, "torsion-benchmark")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	return col, st, q
}

func scanKeywords() models.ScanKeywords {
	return models.ScanKeywords{
		Axes:        [][]int{{0, 1, 2, 3}},
		GridSpacing: []int{15},
	}
}

func addSpec(t *testing.T, col *Collection, name string) {
	t.Helper()
	err := col.AddSpecification(context.Background(), models.Specification{
		Name:             name,
		OptimizationSpec: json.RawMessage(`{"program":"geometric"}`),
		CalcSpec:         json.RawMessage(`{"method":"b3lyp"}`),
	}, false)
	if err != nil {
		t.Fatalf("add specification: %v", err)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	col, _, q := newTestCollection(t)

	for _, name := range []string{"butane", "pentane"} {
		if err := col.AddEntry(ctx, name, []string{"mol-" + name}, scanKeywords(), nil); err != nil {
			t.Fatalf("add entry %s: %v", name, err)
		}
	}
	addSpec(t, col, "Default")

	n, err := col.Compute(ctx, "default", nil, nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 submissions got %d", n)
	}

	n, err = col.Compute(ctx, "default", nil, nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if n != 0 {
		t.Fatalf("second compute must submit nothing, got %d", n)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected 2 queued tasks got %d", depth)
	}

	ds, err := col.Dataset(ctx)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	if len(ds.History) != 1 || ds.History[0] != "default" {
		t.Fatalf("expected history [default] got %v", ds.History)
	}
}

func TestComputeSubsetRestriction(t *testing.T) {
	ctx := context.Background()
	col, _, _ := newTestCollection(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := col.AddEntry(ctx, name, []string{"mol-" + name}, scanKeywords(), nil); err != nil {
			t.Fatalf("add entry: %v", err)
		}
	}
	addSpec(t, col, "default")

	n, err := col.Compute(ctx, "default", []string{"a"}, nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("compute subset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 submission for the subset got %d", n)
	}

	// A full pass picks up only what the subset left out.
	n, err = col.Compute(ctx, "default", nil, nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("compute rest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 remaining submissions got %d", n)
	}
}

func TestComputeUnknownSpecification(t *testing.T) {
	ctx := context.Background()
	col, _, _ := newTestCollection(t)
	if err := col.AddEntry(ctx, "a", []string{"mol-a"}, scanKeywords(), nil); err != nil {
		t.Fatalf("add entry: %v", err)
	}

	_, err := col.Compute(ctx, "missing", nil, nil, models.PriorityNormal)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestComputeBuildsServicePayload(t *testing.T) {
	ctx := context.Background()
	col, st, _ := newTestCollection(t)

	if err := col.AddEntry(ctx, "butane", []string{"mol-1", "mol-2"}, scanKeywords(), nil); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	addSpec(t, col, "Tight")

	tag := "gpu"
	if _, err := col.Compute(ctx, "tight", nil, &tag, models.PriorityHigh); err != nil {
		t.Fatalf("compute: %v", err)
	}

	entries, err := col.Entries(ctx, nil)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	serviceID, ok := entries[0].ObjectMap["tight"]
	if !ok {
		t.Fatalf("object map missing the lower-cased spec key: %v", entries[0].ObjectMap)
	}

	svc, err := st.GetService(ctx, serviceID)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Program != models.ProgramTorsionScan {
		t.Fatalf("expected program %q got %q", models.ProgramTorsionScan, svc.Program)
	}
	if svc.Tag == nil || *svc.Tag != "gpu" || svc.Priority != models.PriorityHigh {
		t.Fatalf("tag/priority not carried: %+v", svc)
	}
	if len(svc.Payload.Inputs) != 2 || svc.Payload.Inputs[0] != "mol-1" {
		t.Fatalf("entry inputs not carried: %v", svc.Payload.Inputs)
	}
	if len(svc.Payload.Keywords.Axes) != 1 {
		t.Fatalf("entry keywords not carried: %+v", svc.Payload.Keywords)
	}
	if len(svc.Payload.OptimizationSpec) == 0 || len(svc.Payload.CalcSpec) == 0 {
		t.Fatalf("sub-specifications not carried: %+v", svc.Payload)
	}
}

func TestAddEntryRejectsBadKeywords(t *testing.T) {
	ctx := context.Background()
	col, _, _ := newTestCollection(t)

	bad := models.ScanKeywords{Axes: [][]int{{0, 1, 2, 3}}, GridSpacing: []int{0}}
	if err := col.AddEntry(ctx, "a", nil, bad, nil); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error got %v", err)
	}

	if err := col.AddEntry(ctx, "a", nil, scanKeywords(), nil); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if err := col.AddEntry(ctx, "a", nil, scanKeywords(), nil); !errors.Is(err, models.ErrDuplicate) {
		t.Fatalf("expected duplicate entry rejected got %v", err)
	}
}

func TestDeleteLeavesSubmittedServices(t *testing.T) {
	ctx := context.Background()
	col, st, _ := newTestCollection(t)

	if err := col.AddEntry(ctx, "a", []string{"mol-a"}, scanKeywords(), nil); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	addSpec(t, col, "default")
	if _, err := col.Compute(ctx, "default", nil, nil, models.PriorityNormal); err != nil {
		t.Fatalf("compute: %v", err)
	}
	entries, err := col.Entries(ctx, nil)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	serviceID := entries[0].ObjectMap["default"]

	deleted, err := col.Delete(ctx)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := Open(ctx, st, nil, "torsion-benchmark"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected collection gone got %v", err)
	}
	if _, err := st.GetService(ctx, serviceID); err != nil {
		t.Fatalf("submitted service must outlive the dataset: %v", err)
	}
}
