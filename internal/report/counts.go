package report

import (
	"context"
	"fmt"
	"strings"

	"lattice/internal/models"
)

// Source is the slice of a dataset the aggregator reads: entries with their
// object maps, the specification list, and service records by id.
type Source interface {
	Entries(ctx context.Context, names []string) ([]models.Entry, error)
	Specifications(ctx context.Context) ([]models.Specification, error)
	Services(ctx context.Context, ids []string) ([]models.Service, error)
}

// Table holds per-entry, per-specification run counts. Rows are entry names,
// columns are lower-cased specification names, matching the object-map keys.
// A nil cell means no countable result: never submitted, not COMPLETE, or a
// record whose execution history is unreadable.
type Table map[string]map[string]*int

// Counts walks the entries x specifications grid and counts finished work.
// With countGradients set, each cell sums the gradient evaluations recorded
// along every run's trajectory; otherwise it counts the runs themselves.
// Requesting an unknown specification is ErrNotFound. Entries with no
// countable result under any requested specification are dropped.
func Counts(ctx context.Context, src Source, entryNames, specNames []string, countGradients bool) (Table, error) {
	specs, err := src.Specifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("load specifications: %w", err)
	}
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		known[strings.ToLower(s.Name)] = true
	}

	var cols []string
	if len(specNames) == 0 {
		for _, s := range specs {
			cols = append(cols, strings.ToLower(s.Name))
		}
	} else {
		seen := map[string]bool{}
		for _, name := range specNames {
			key := strings.ToLower(name)
			if !known[key] {
				return nil, fmt.Errorf("specification %q: %w", name, models.ErrNotFound)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			cols = append(cols, key)
		}
	}

	entries, err := src.Entries(ctx, entryNames)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	var ids []string
	idSeen := map[string]bool{}
	for _, entry := range entries {
		for _, col := range cols {
			if id, ok := entry.ObjectMap[col]; ok && !idSeen[id] {
				idSeen[id] = true
				ids = append(ids, id)
			}
		}
	}

	byID := map[string]models.Service{}
	if len(ids) > 0 {
		services, err := src.Services(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load services: %w", err)
		}
		for _, svc := range services {
			byID[svc.ID] = svc
		}
	}

	table := Table{}
	for _, entry := range entries {
		row := make(map[string]*int, len(cols))
		countable := false
		for _, col := range cols {
			row[col] = nil
			id, ok := entry.ObjectMap[col]
			if !ok {
				continue
			}
			svc, ok := byID[id]
			if !ok || svc.Status != models.StatusComplete || svc.Stages == nil {
				continue
			}
			n := countRuns(svc, countGradients)
			row[col] = &n
			countable = true
		}
		if countable {
			table[entry.Name] = row
		}
	}
	return table, nil
}

func countRuns(svc models.Service, countGradients bool) int {
	total := 0
	for _, runs := range svc.Stages {
		if countGradients {
			for _, run := range runs {
				total += len(run.Trajectory)
			}
		} else {
			total += len(runs)
		}
	}
	return total
}
