package worker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"lattice/internal/models"
)

// Result collects what one executed task produced: runs keyed by grid point
// and counter increments for the owning service.
type Result struct {
	Stages   map[string][]models.StageRun
	Counters map[string]int64
}

// Handler executes one claimed task.
type Handler func(ctx context.Context, task models.Task, spec models.ExecutionSpec) (Result, error)

// maxGridPoints bounds the expanded scan grid so a pathological keyword set
// cannot pin a manager.
const maxGridPoints = 10000

// ScanExecutor simulates a torsion scan. It walks the grid implied by the
// payload keywords and emits one optimization run per grid point, with a
// short synthetic trajectory each. Energies follow a smooth periodic profile
// so repeated runs of the same entry are reproducible.
type ScanExecutor struct {
	// trajectorySteps is the number of gradient evaluations recorded per run.
	trajectorySteps int
}

func NewScanExecutor() *ScanExecutor {
	return &ScanExecutor{trajectorySteps: 3}
}

// Execute runs the scan for one task.
func (e *ScanExecutor) Execute(ctx context.Context, _ models.Task, spec models.ExecutionSpec) (Result, error) {
	kw := spec.Payload.Keywords
	if err := kw.Validate(); err != nil {
		return Result{}, err
	}

	points, err := gridPoints(kw)
	if err != nil {
		return Result{}, err
	}

	stages := make(map[string][]models.StageRun, len(points))
	var gradients int64
	for _, pt := range points {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		run := models.StageRun{
			ID:          uuid.New().String(),
			FinalEnergy: torsionEnergy(pt),
			Trajectory:  make([]string, e.trajectorySteps),
		}
		for i := range run.Trajectory {
			run.Trajectory[i] = uuid.New().String()
		}
		gradients += int64(len(run.Trajectory))
		key := stageKey(pt)
		stages[key] = append(stages[key], run)
	}

	return Result{
		Stages: stages,
		Counters: map[string]int64{
			"optimizations": int64(len(points)),
			"gradients":     gradients,
		},
	}, nil
}

// gridPoints expands the keyword axes into the full scan grid, one angle per
// axis. Without explicit ranges an axis covers the full circle, where the
// upper bound aliases the lower and is skipped.
func gridPoints(kw models.ScanKeywords) ([][]int, error) {
	axes := make([][]int, len(kw.Axes))
	total := 1
	for i := range kw.Axes {
		lo, hi := -180, 180
		if len(kw.AxisRanges) > 0 {
			lo, hi = kw.AxisRanges[i][0], kw.AxisRanges[i][1]
		}
		axes[i] = axisAngles(lo, hi, kw.GridSpacing[i])
		total *= len(axes[i])
		if total > maxGridPoints {
			return nil, fmt.Errorf("%w: scan grid exceeds %d points", models.ErrValidation, maxGridPoints)
		}
	}

	points := [][]int{{}}
	for _, angles := range axes {
		next := make([][]int, 0, len(points)*len(angles))
		for _, p := range points {
			for _, a := range angles {
				pt := make([]int, len(p)+1)
				copy(pt, p)
				pt[len(p)] = a
				next = append(next, pt)
			}
		}
		points = next
	}
	return points, nil
}

func axisAngles(lo, hi, spacing int) []int {
	fullCircle := hi-lo == 360
	var out []int
	for a := lo; a <= hi; a += spacing {
		if fullCircle && a == hi {
			break
		}
		out = append(out, a)
	}
	return out
}

// stageKey names the stage for one grid point: the angles joined with commas,
// "-60" for a one-dimensional scan.
func stageKey(point []int) string {
	parts := make([]string, len(point))
	for i, a := range point {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}

// torsionEnergy evaluates a three-fold cosine potential at the grid point.
// Deterministic in the angles, with minima at the staggered positions.
func torsionEnergy(point []int) float64 {
	e := -1.0
	for _, a := range point {
		rad := float64(a) * math.Pi / 180
		e += 0.01 * (1 + math.Cos(3*rad))
	}
	return e
}
