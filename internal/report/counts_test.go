package report

import (
	"context"
	"errors"
	"testing"

	"lattice/internal/models"
)

type fakeSource struct {
	entries  []models.Entry
	specs    []models.Specification
	services map[string]models.Service
}

func (f *fakeSource) Entries(_ context.Context, names []string) ([]models.Entry, error) {
	if len(names) == 0 {
		return f.entries, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var out []models.Entry
	for _, e := range f.entries {
		if want[e.Name] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) Specifications(context.Context) ([]models.Specification, error) {
	return f.specs, nil
}

func (f *fakeSource) Services(_ context.Context, ids []string) ([]models.Service, error) {
	var out []models.Service
	for _, id := range ids {
		if svc, ok := f.services[id]; ok {
			out = append(out, svc)
		}
	}
	return out, nil
}

func completeService(id string, stages map[string][]models.StageRun) models.Service {
	return models.Service{ID: id, Status: models.StatusComplete, Stages: stages}
}

func benchmarkSource() *fakeSource {
	return &fakeSource{
		specs: []models.Specification{{Name: "Default"}, {Name: "tight"}},
		entries: []models.Entry{
			{Name: "butane", ObjectMap: map[string]string{"default": "svc-a", "tight": "svc-b"}},
			{Name: "pentane", ObjectMap: map[string]string{"default": "svc-c"}},
			{Name: "hexane", ObjectMap: map[string]string{}},
		},
		services: map[string]models.Service{
			"svc-a": completeService("svc-a", map[string][]models.StageRun{
				"-60": {
					{ID: "r1", Trajectory: []string{"g1", "g2", "g3"}},
					{ID: "r2", Trajectory: []string{"g4"}},
				},
				"0": {
					{ID: "r3", Trajectory: []string{"g5", "g6"}},
				},
			}),
			"svc-b": {ID: "svc-b", Status: models.StatusRunning, Stages: map[string][]models.StageRun{}},
			"svc-c": completeService("svc-c", map[string][]models.StageRun{
				"30": {{ID: "r4", Trajectory: []string{"g7"}}},
			}),
		},
	}
}

func TestCountsRuns(t *testing.T) {
	ctx := context.Background()
	table, err := Counts(ctx, benchmarkSource(), nil, nil, false)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}

	row, ok := table["butane"]
	if !ok {
		t.Fatalf("expected butane row, got %v", table)
	}
	if row["default"] == nil || *row["default"] != 3 {
		t.Fatalf("expected 3 runs for butane/default got %v", row["default"])
	}
	// A RUNNING service yields no count.
	if row["tight"] != nil {
		t.Fatalf("expected nil cell for unfinished service got %d", *row["tight"])
	}
	if cell := table["pentane"]["default"]; cell == nil || *cell != 1 {
		t.Fatalf("expected 1 run for pentane/default got %v", cell)
	}
	// No submissions at all: the row is dropped.
	if _, ok := table["hexane"]; ok {
		t.Fatalf("all-nil row must be dropped")
	}
}

func TestCountsGradients(t *testing.T) {
	ctx := context.Background()
	table, err := Counts(ctx, benchmarkSource(), nil, []string{"Default"}, true)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if cell := table["butane"]["default"]; cell == nil || *cell != 6 {
		t.Fatalf("expected 6 gradients for butane got %v", cell)
	}
	if cell := table["pentane"]["default"]; cell == nil || *cell != 1 {
		t.Fatalf("expected 1 gradient for pentane got %v", cell)
	}
}

func TestCountsUnknownSpecification(t *testing.T) {
	_, err := Counts(context.Background(), benchmarkSource(), nil, []string{"phantom"}, false)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestCountsEntrySubset(t *testing.T) {
	ctx := context.Background()
	table, err := Counts(ctx, benchmarkSource(), []string{"pentane"}, nil, false)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(table) != 1 {
		t.Fatalf("expected only the requested entry got %v", table)
	}
	if cell := table["pentane"]["default"]; cell == nil || *cell != 1 {
		t.Fatalf("expected pentane row got %v", table)
	}
}

func TestCountsMalformedHistory(t *testing.T) {
	src := &fakeSource{
		specs:   []models.Specification{{Name: "default"}},
		entries: []models.Entry{{Name: "butane", ObjectMap: map[string]string{"default": "svc-x"}}},
		services: map[string]models.Service{
			// COMPLETE but with no readable execution history.
			"svc-x": {ID: "svc-x", Status: models.StatusComplete, Stages: nil},
		},
	}
	table, err := Counts(context.Background(), src, nil, nil, false)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("unreadable history must read as nil and drop the row, got %v", table)
	}
}
