package dataset

import (
	"context"
	"fmt"
	"strings"

	"lattice/internal/models"
	"lattice/internal/queue"
	"lattice/internal/report"
	"lattice/internal/store"
	"lattice/internal/telemetry"
)

// Collection manages one named dataset: its entries, its specifications, and
// the services submitted for their cross product. Submission is idempotent
// per (entry, specification) pair; the store's object-map slot is the
// authority on what has already been submitted.
type Collection struct {
	store store.Store
	queue *queue.TaskQueue
	id    string
	name  string
}

// Create registers a new dataset and returns its collection. A taken name is
// reported as ErrDuplicate.
func Create(ctx context.Context, st store.Store, q *queue.TaskQueue, name string) (*Collection, error) {
	ds, err := st.CreateDataset(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Collection{store: st, queue: q, id: ds.ID, name: ds.Name}, nil
}

// Open binds to an existing dataset by name.
func Open(ctx context.Context, st store.Store, q *queue.TaskQueue, name string) (*Collection, error) {
	ds, err := st.GetDatasetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Collection{store: st, queue: q, id: ds.ID, name: ds.Name}, nil
}

// ID returns the dataset id.
func (c *Collection) ID() string { return c.id }

// Name returns the dataset name.
func (c *Collection) Name() string { return c.name }

// Dataset fetches the current dataset record, including its compute history.
func (c *Collection) Dataset(ctx context.Context) (models.Dataset, error) {
	return c.store.GetDatasetByName(ctx, c.name)
}

// Delete removes the dataset with all of its entries, specifications, and
// object-map rows. Submitted services and their tasks outlive the dataset.
func (c *Collection) Delete(ctx context.Context) (bool, error) {
	return c.store.DeleteDataset(ctx, c.id)
}

// AddEntry validates the scan keywords and stores the entry. Duplicate names
// are rejected with ErrDuplicate.
func (c *Collection) AddEntry(ctx context.Context, name string, inputs []string, keywords models.ScanKeywords, attributes map[string]any) error {
	if err := keywords.Validate(); err != nil {
		return fmt.Errorf("entry %q: %w", name, err)
	}
	return c.store.AddEntry(ctx, c.id, models.Entry{
		Name:       name,
		Inputs:     inputs,
		Keywords:   keywords,
		Attributes: attributes,
	})
}

// AddSpecification stores a named pair of sub-specifications. Names collide
// case-insensitively; overwrite replaces an existing record in place.
func (c *Collection) AddSpecification(ctx context.Context, spec models.Specification, overwrite bool) error {
	return c.store.AddSpecification(ctx, c.id, spec, overwrite)
}

// Entries returns entries with their object maps, optionally restricted to
// the given names.
func (c *Collection) Entries(ctx context.Context, names []string) ([]models.Entry, error) {
	return c.store.GetEntries(ctx, c.id, names)
}

// Specifications lists every specification of the dataset.
func (c *Collection) Specifications(ctx context.Context) ([]models.Specification, error) {
	return c.store.ListSpecifications(ctx, c.id)
}

// Services fetches full service records by id.
func (c *Collection) Services(ctx context.Context, ids []string) ([]models.Service, error) {
	return c.store.GetServices(ctx, models.ServiceQuery{IDs: ids}, nil, len(ids))
}

// Compute submits one service per entry that has none for the named
// specification yet, and returns how many were newly submitted. A non-empty
// subset restricts submission to those entries. Entries whose object map
// already holds the specification are skipped, so repeated calls settle at
// zero.
func (c *Collection) Compute(ctx context.Context, specName string, subset []string, tag *string, priority models.Priority) (int, error) {
	spec, err := c.store.GetSpecification(ctx, c.id, specName)
	if err != nil {
		return 0, err
	}
	specKey := strings.ToLower(spec.Name)

	entries, err := c.store.GetEntries(ctx, c.id, subset)
	if err != nil {
		return 0, fmt.Errorf("load entries: %w", err)
	}

	submitted := 0
	for _, entry := range entries {
		if _, done := entry.ObjectMap[specKey]; done {
			telemetry.TasksDeduped.Inc()
			continue
		}
		_, task, created, err := c.store.CreateDatasetService(ctx, store.CreateDatasetServiceParams{
			DatasetID: c.id,
			EntryName: entry.Name,
			SpecName:  specKey,
			Service: store.ServiceSpec{
				Program:  models.ProgramTorsionScan,
				Tag:      tag,
				Priority: priority,
				Payload: models.ServicePayload{
					Inputs:           entry.Inputs,
					Keywords:         entry.Keywords,
					OptimizationSpec: spec.OptimizationSpec,
					CalcSpec:         spec.CalcSpec,
				},
			},
		})
		if err != nil {
			return submitted, fmt.Errorf("submit entry %q: %w", entry.Name, err)
		}
		if !created {
			// Another submitter claimed the slot first.
			telemetry.TasksDeduped.Inc()
			continue
		}
		if err := c.queue.EnqueueTask(ctx, task); err != nil {
			return submitted, fmt.Errorf("enqueue task for entry %q: %w", entry.Name, err)
		}
		submitted++
	}

	if err := c.store.AppendHistory(ctx, c.id, specKey); err != nil {
		return submitted, fmt.Errorf("record history: %w", err)
	}
	return submitted, nil
}

// Counts aggregates run counts for the entries x specifications grid.
func (c *Collection) Counts(ctx context.Context, entries, specs []string, countGradients bool) (report.Table, error) {
	return report.Counts(ctx, c, entries, specs, countGradients)
}
