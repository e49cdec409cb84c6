package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lattice/internal/models"
)

// DefaultMaxLimit caps reads when no explicit limit is configured.
const DefaultMaxLimit = 1000

// ServiceSpec collects the inputs required to create a service and its
// backing queue task.
type ServiceSpec struct {
	Program  string
	Tag      *string
	Priority models.Priority
	Payload  models.ServicePayload
}

// CreateDatasetServiceParams describes one submission slot: the (dataset,
// entry, specification) triple plus the service to create when the slot is
// free.
type CreateDatasetServiceParams struct {
	DatasetID string
	EntryName string
	SpecName  string
	Service   ServiceSpec
}

// TaskStore persists queue task records.
type TaskStore interface {
	CreateTasks(ctx context.Context, specs []models.TaskSpec, tag *string) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	GetTasks(ctx context.Context, ids []string) ([]models.Task, error)
	GetTasksByService(ctx context.Context, serviceID string, limit int) ([]models.Task, error)
	// ClaimTasks flips WAITING rows among ids to RUNNING and returns the
	// claimed records. Rows in any other state are left alone.
	ClaimTasks(ctx context.Context, ids []string) ([]models.Task, error)
	MarkTasksComplete(ctx context.Context, ids []string, locations []string) (models.BulkResult, error)
	MarkTasksError(ctx context.Context, ids []string, messages []string) (models.BulkResult, error)
	// ResetTasks forces rows back to WAITING from any status and clears
	// result and error fields.
	ResetTasks(ctx context.Context, ids []string) (models.BulkResult, error)
}

// ServiceStore persists multi-stage service records.
type ServiceStore interface {
	AddServices(ctx context.Context, specs []ServiceSpec) ([]models.Service, []models.Task, error)
	GetServices(ctx context.Context, q models.ServiceQuery, projection []string, limit int) ([]models.Service, error)
	GetService(ctx context.Context, id string) (models.Service, error)
	// UpdateServices applies each update's operations as a single atomic
	// write per record. Unknown service ids are reported, not fatal.
	UpdateServices(ctx context.Context, updates []models.ServiceUpdate) (models.BulkResult, error)
	DelServices(ctx context.Context, ids []string) (int64, error)
	MarkServicesRunning(ctx context.Context, ids []string) error
	MarkServicesComplete(ctx context.Context, ids []string) (models.BulkResult, error)
	MarkServicesError(ctx context.Context, ids []string, messages []string) (models.BulkResult, error)
	// ResetServices transitions ERROR records back to WAITING.
	ResetServices(ctx context.Context, ids []string) (models.BulkResult, error)
}

// ManagerStore tracks compute manager heartbeats and counters.
type ManagerStore interface {
	// ManagerHeartbeat upserts the named manager in one atomic statement,
	// adding the deltas to its counters. Reports whether exactly one row
	// was touched.
	ManagerHeartbeat(ctx context.Context, name string, tag *string, delta models.HeartbeatDelta) (bool, error)
	GetManagers(ctx context.Context, q models.ManagerQuery, projection []string) ([]models.Manager, error)
}

// UserStore persists account records.
type UserStore interface {
	// AddUser inserts the user unless the username is taken; the existing
	// record is never altered on collision.
	AddUser(ctx context.Context, u models.User) (bool, error)
	GetUser(ctx context.Context, username string) (models.User, error)
	RemoveUser(ctx context.Context, username string) (bool, error)
}

// DatasetStore persists collections, their entries and specifications, and
// the entry object maps.
type DatasetStore interface {
	CreateDataset(ctx context.Context, name string) (models.Dataset, error)
	GetDatasetByName(ctx context.Context, name string) (models.Dataset, error)
	DeleteDataset(ctx context.Context, id string) (bool, error)
	AddEntry(ctx context.Context, datasetID string, e models.Entry) error
	// GetEntries returns entries with their object maps populated. An
	// empty names slice selects every entry in the dataset.
	GetEntries(ctx context.Context, datasetID string, names []string) ([]models.Entry, error)
	AddSpecification(ctx context.Context, datasetID string, spec models.Specification, overwrite bool) error
	GetSpecification(ctx context.Context, datasetID, name string) (models.Specification, error)
	ListSpecifications(ctx context.Context, datasetID string) ([]models.Specification, error)
	AppendHistory(ctx context.Context, datasetID, specName string) error
	// CreateDatasetService claims the (entry, spec) object-map slot and, if
	// it was free, creates the service and its queue task in the same
	// transaction. A lost slot race reports created=false with no writes.
	CreateDatasetService(ctx context.Context, p CreateDatasetServiceParams) (models.Service, models.Task, bool, error)
}

// Store is the full persistence surface backing the queue core.
type Store interface {
	TaskStore
	ServiceStore
	ManagerStore
	UserStore
	DatasetStore
}

// clampLimit bounds a requested row count to (0, max].
func clampLimit(limit, max int) int {
	if max <= 0 {
		max = DefaultMaxLimit
	}
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func newID() string {
	return uuid.New().String()
}
