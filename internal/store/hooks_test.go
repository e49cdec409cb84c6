package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"lattice/internal/models"
)

func TestBuildServiceUpdateMergesIncrements(t *testing.T) {
	u := models.ServiceUpdate{
		ServiceID: "svc-1",
		Ops: []models.UpdateOp{
			models.IncrementOp("optimizations_done", 1),
			models.IncrementOp("optimizations_done", 2),
		},
	}

	sql, args, err := buildServiceUpdate(u)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := strings.Count(sql, "jsonb_build_object"); got != 1 {
		t.Fatalf("expected merged increments to touch the counter once, found %d", got)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args got %d: %v", len(args), args)
	}
	if args[0] != "svc-1" || args[1] != "optimizations_done" {
		t.Fatalf("unexpected args %v", args)
	}
	if delta, ok := args[2].(int64); !ok || delta != 3 {
		t.Fatalf("expected summed delta 3 got %v", args[2])
	}
	if !strings.HasSuffix(sql, "WHERE id = $1") {
		t.Fatalf("update must target one record: %s", sql)
	}
}

func TestBuildServiceUpdateSetFieldLastWins(t *testing.T) {
	u := models.ServiceUpdate{
		ServiceID: "svc-1",
		Ops: []models.UpdateOp{
			models.SetFieldOp("status", models.StatusRunning),
			models.SetFieldOp("status", models.StatusComplete),
		},
	}

	sql, args, err := buildServiceUpdate(u)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := strings.Count(sql, "status = "); got != 1 {
		t.Fatalf("expected one status assignment, found %d in %s", got, sql)
	}
	st, ok := args[1].(models.Status)
	if !ok || st != models.StatusComplete {
		t.Fatalf("expected last status value to win, got %v", args[1])
	}
}

func TestBuildServiceUpdateMergesStageAppends(t *testing.T) {
	u := models.ServiceUpdate{
		ServiceID: "svc-1",
		Ops: []models.UpdateOp{
			models.AppendStageOp("optimization", []models.StageRun{{ID: "r1"}}),
			models.AppendStageOp("optimization", []models.StageRun{{ID: "r2"}}),
		},
	}

	sql, args, err := buildServiceUpdate(u)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := strings.Count(sql, "jsonb_set"); got != 1 {
		t.Fatalf("same-stage appends must merge into one write, found %d", got)
	}
	if len(args) != 3 || args[1] != "optimization" {
		t.Fatalf("unexpected args %v", args)
	}
	var runs []models.StageRun
	if err := json.Unmarshal(args[2].([]byte), &runs); err != nil {
		t.Fatalf("unmarshal merged runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r1" || runs[1].ID != "r2" {
		t.Fatalf("expected runs r1,r2 in order got %v", runs)
	}
}

func TestBuildServiceUpdateCombinesKinds(t *testing.T) {
	tag := "gpu"
	u := models.ServiceUpdate{
		ServiceID: "svc-1",
		Ops: []models.UpdateOp{
			models.SetFieldOp("status", models.StatusComplete),
			models.SetFieldOp("tag", &tag),
			models.IncrementOp("gradients_done", 12),
			models.AppendStageOp("gradient", []models.StageRun{{ID: "g1"}}),
		},
	}

	sql, args, err := buildServiceUpdate(u)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"modified_on = now()", "status = $2", "tag = $3", "counters = ", "stages = "} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in %s", want, sql)
		}
	}
	// id, status, tag, counter name, delta, stage name, runs
	if len(args) != 7 {
		t.Fatalf("expected 7 args got %d: %v", len(args), args)
	}
}

func TestBuildServiceUpdateRejectsBadOps(t *testing.T) {
	cases := []models.ServiceUpdate{
		{ServiceID: "s", Ops: []models.UpdateOp{models.SetFieldOp("spec", "x")}},
		{ServiceID: "s", Ops: []models.UpdateOp{{Kind: models.UpdateIncrement, Field: "n", Value: json.RawMessage(`"nope"`)}}},
		{ServiceID: "s", Ops: []models.UpdateOp{{Kind: "drop_table", Field: "n", Value: json.RawMessage(`1`)}}},
	}
	for i, u := range cases {
		if _, _, err := buildServiceUpdate(u); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("case %d: expected validation error got %v", i, err)
		}
	}
}

func TestApplyServiceUpdateMatchesMergeSemantics(t *testing.T) {
	svc := &models.Service{
		ID:       "svc-1",
		Status:   models.StatusRunning,
		Stages:   models.NewServiceStages(),
		Counters: map[string]int64{"optimizations_done": 1},
	}
	u := models.ServiceUpdate{
		ServiceID: "svc-1",
		Ops: []models.UpdateOp{
			models.IncrementOp("optimizations_done", 2),
			models.AppendStageOp("optimization", []models.StageRun{{ID: "r1", FinalEnergy: -1.5}}),
			models.SetFieldOp("status", models.StatusComplete),
		},
	}

	if err := applyServiceUpdate(svc, u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if svc.Counters["optimizations_done"] != 3 {
		t.Fatalf("expected counter 3 got %d", svc.Counters["optimizations_done"])
	}
	runs := svc.Stages["optimization"]
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].FinalEnergy != -1.5 {
		t.Fatalf("unexpected stage runs %v", runs)
	}
	if svc.Status != models.StatusComplete {
		t.Fatalf("expected COMPLETE got %s", svc.Status)
	}
	if svc.ModifiedOn.IsZero() {
		t.Fatalf("expected modified_on to be bumped")
	}
}
