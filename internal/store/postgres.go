package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"lattice/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool     *pgxpool.Pool
	maxLimit int
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres. maxLimit caps every
// read; zero selects DefaultMaxLimit.
func NewPostgres(ctx context.Context, dsn string, maxLimit int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &Postgres{pool: pool, maxLimit: maxLimit}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = "id, service_id, spec, tag, priority, status, result_location, error_message, created_on, modified_on"

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var serviceID, tag, resultLoc, errMsg pgtype.Text
	var spec []byte
	var rank int
	if err := row.Scan(&t.ID, &serviceID, &spec, &tag, &rank, &t.Status, &resultLoc, &errMsg, &t.CreatedOn, &t.ModifiedOn); err != nil {
		return models.Task{}, err
	}
	t.ServiceID = textPtr(serviceID)
	t.Spec = json.RawMessage(spec)
	t.Tag = textPtr(tag)
	t.Priority = models.PriorityFromRank(rank)
	t.ResultLocation = textPtr(resultLoc)
	t.ErrorMessage = textPtr(errMsg)
	return t, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, t models.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, service_id, spec, tag, priority, status, created_on, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.ServiceID, []byte(t.Spec), t.Tag, t.Priority.Rank(), t.Status, t.CreatedOn, t.ModifiedOn)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTasks inserts WAITING task rows and returns them in input order.
func (s *Postgres) CreateTasks(ctx context.Context, specs []models.TaskSpec, tag *string) ([]models.Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := nowUTC()
	tasks := make([]models.Task, 0, len(specs))
	for _, spec := range specs {
		if len(spec.Spec) == 0 {
			return nil, fmt.Errorf("%w: task payload must not be empty", models.ErrValidation)
		}
		t := models.Task{
			ID:         newID(),
			ServiceID:  emptyToNil(spec.ServiceID),
			Spec:       spec.Spec,
			Tag:        tag,
			Priority:   models.NormalizePriority(spec.Priority),
			Status:     models.StatusWaiting,
			CreatedOn:  now,
			ModifiedOn: now,
		}
		if err := insertTask(ctx, tx, t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return tasks, nil
}

// GetTask fetches one task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// GetTasks fetches the listed tasks; unknown ids are simply absent.
func (s *Postgres) GetTasks(ctx context.Context, ids []string) ([]models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1) ORDER BY created_on`, ids)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetTasksByService fetches tasks owned by one service, oldest first.
func (s *Postgres) GetTasksByService(ctx context.Context, serviceID string, limit int) ([]models.Task, error) {
	limit = clampLimit(limit, s.maxLimit)
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE service_id = $1 ORDER BY created_on LIMIT $2
	`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query service tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTasks flips WAITING rows among ids to RUNNING and returns them. Rows
// already claimed, terminal, or missing are silently excluded.
func (s *Postgres) ClaimTasks(ctx context.Context, ids []string) ([]models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = $2, modified_on = now()
		WHERE id = ANY($1) AND status = $3
		RETURNING `+taskColumns+`
	`, ids, models.StatusRunning, models.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkTasksComplete stores result locations and transitions rows to COMPLETE.
// Ids not found or not in a claimable state are reported, never fatal.
func (s *Postgres) MarkTasksComplete(ctx context.Context, ids []string, locations []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(locations) {
		return res, fmt.Errorf("%w: %d ids with %d result locations", models.ErrValidation, len(ids), len(locations))
	}
	if len(ids) == 0 {
		return res, nil
	}
	b := &pgx.Batch{}
	for i, id := range ids {
		b.Queue(`
			UPDATE tasks SET status = $2, result_location = $3, error_message = NULL, modified_on = now()
			WHERE id = $1 AND status = ANY($4)
		`, id, models.StatusComplete, locations[i], []string{string(models.StatusRunning), string(models.StatusWaiting)})
	}
	return s.execBulk(ctx, b, ids)
}

// MarkTasksError stores error messages and transitions rows to ERROR.
func (s *Postgres) MarkTasksError(ctx context.Context, ids []string, messages []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(messages) {
		return res, fmt.Errorf("%w: %d ids with %d messages", models.ErrValidation, len(ids), len(messages))
	}
	if len(ids) == 0 {
		return res, nil
	}
	b := &pgx.Batch{}
	for i, id := range ids {
		b.Queue(`
			UPDATE tasks SET status = $2, error_message = $3, result_location = NULL, modified_on = now()
			WHERE id = $1 AND status = ANY($4)
		`, id, models.StatusError, messages[i], []string{string(models.StatusRunning), string(models.StatusWaiting)})
	}
	return s.execBulk(ctx, b, ids)
}

// ResetTasks forces rows back to WAITING from any status, clearing result and
// error fields. Repeating a reset is harmless.
func (s *Postgres) ResetTasks(ctx context.Context, ids []string) (models.BulkResult, error) {
	if len(ids) == 0 {
		return models.BulkResult{}, nil
	}
	b := &pgx.Batch{}
	for _, id := range ids {
		b.Queue(`
			UPDATE tasks SET status = $2, result_location = NULL, error_message = NULL, modified_on = now()
			WHERE id = $1
		`, id, models.StatusWaiting)
	}
	return s.execBulk(ctx, b, ids)
}

// execBulk runs one queued statement per id and folds row counts into a
// BulkResult.
func (s *Postgres) execBulk(ctx context.Context, b *pgx.Batch, ids []string) (models.BulkResult, error) {
	var res models.BulkResult
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for _, id := range ids {
		tag, err := br.Exec()
		if err != nil {
			return res, fmt.Errorf("bulk update %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			res.Missing = append(res.Missing, id)
		} else {
			res.Updated++
		}
	}
	return res, nil
}

var serviceColumns = []string{"id", "status", "tag", "priority", "program", "payload", "stages", "counters", "error_message", "created_on", "modified_on"}

// serviceProjection validates a requested column list against the schema.
// The id column is always included.
func serviceProjection(projection []string) ([]string, error) {
	if len(projection) == 0 {
		return serviceColumns, nil
	}
	valid := make(map[string]bool, len(serviceColumns))
	for _, c := range serviceColumns {
		valid[c] = true
	}
	cols := []string{"id"}
	seen := map[string]bool{"id": true}
	for _, p := range projection {
		c := strings.ToLower(strings.TrimSpace(p))
		if !valid[c] {
			return nil, fmt.Errorf("%w: unknown service column %q", models.ErrValidation, p)
		}
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols, nil
}

func scanServiceCols(row rowScanner, cols []string) (models.Service, error) {
	var (
		svc                       models.Service
		tag, errMsg               pgtype.Text
		rank                      int
		payload, stages, counters []byte
		hasPriority               bool
	)
	dest := make([]any, 0, len(cols))
	for _, c := range cols {
		switch c {
		case "id":
			dest = append(dest, &svc.ID)
		case "status":
			dest = append(dest, &svc.Status)
		case "tag":
			dest = append(dest, &tag)
		case "priority":
			hasPriority = true
			dest = append(dest, &rank)
		case "program":
			dest = append(dest, &svc.Program)
		case "payload":
			dest = append(dest, &payload)
		case "stages":
			dest = append(dest, &stages)
		case "counters":
			dest = append(dest, &counters)
		case "error_message":
			dest = append(dest, &errMsg)
		case "created_on":
			dest = append(dest, &svc.CreatedOn)
		case "modified_on":
			dest = append(dest, &svc.ModifiedOn)
		}
	}
	if err := row.Scan(dest...); err != nil {
		return models.Service{}, err
	}
	svc.Tag = textPtr(tag)
	svc.ErrorMessage = textPtr(errMsg)
	if hasPriority {
		svc.Priority = models.PriorityFromRank(rank)
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &svc.Payload); err != nil {
			return models.Service{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if stages != nil {
		if err := json.Unmarshal(stages, &svc.Stages); err != nil {
			return models.Service{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if counters != nil {
		if err := json.Unmarshal(counters, &svc.Counters); err != nil {
			return models.Service{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return svc, nil
}

// buildServiceAndTask constructs a WAITING service and the queue task that
// carries its execution document.
func buildServiceAndTask(sp ServiceSpec, now time.Time) (models.Service, models.Task, error) {
	if strings.TrimSpace(sp.Program) == "" {
		return models.Service{}, models.Task{}, fmt.Errorf("%w: service needs a program", models.ErrValidation)
	}
	pr := models.NormalizePriority(sp.Priority)
	svc := models.Service{
		ID:         newID(),
		Status:     models.StatusWaiting,
		Tag:        sp.Tag,
		Priority:   pr,
		Program:    sp.Program,
		Payload:    sp.Payload,
		Stages:     models.NewServiceStages(),
		Counters:   map[string]int64{},
		CreatedOn:  now,
		ModifiedOn: now,
	}
	specJSON, err := json.Marshal(models.ExecutionSpec{Program: sp.Program, Payload: sp.Payload})
	if err != nil {
		return models.Service{}, models.Task{}, fmt.Errorf("marshal execution spec: %w", err)
	}
	task := models.Task{
		ID:         newID(),
		ServiceID:  &svc.ID,
		Spec:       specJSON,
		Tag:        sp.Tag,
		Priority:   pr,
		Status:     models.StatusWaiting,
		CreatedOn:  now,
		ModifiedOn: now,
	}
	return svc, task, nil
}

func insertService(ctx context.Context, tx pgx.Tx, svc models.Service) error {
	payload, err := json.Marshal(svc.Payload)
	if err != nil {
		return fmt.Errorf("marshal service payload: %w", err)
	}
	stages, err := marshalJSON(svc.Stages, "{}")
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	counters, err := marshalJSON(svc.Counters, "{}")
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO services (id, status, tag, priority, program, payload, stages, counters, created_on, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, svc.ID, svc.Status, svc.Tag, svc.Priority.Rank(), svc.Program, payload, stages, counters, svc.CreatedOn, svc.ModifiedOn)
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

// AddServices creates WAITING service records, each with one backing queue
// task, in a single transaction.
func (s *Postgres) AddServices(ctx context.Context, specs []ServiceSpec) ([]models.Service, []models.Task, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := nowUTC()
	services := make([]models.Service, 0, len(specs))
	tasks := make([]models.Task, 0, len(specs))
	for _, sp := range specs {
		svc, task, err := buildServiceAndTask(sp, now)
		if err != nil {
			return nil, nil, err
		}
		if err := insertService(ctx, tx, svc); err != nil {
			return nil, nil, err
		}
		if err := insertTask(ctx, tx, task); err != nil {
			return nil, nil, err
		}
		services = append(services, svc)
		tasks = append(tasks, task)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return services, tasks, nil
}

// GetServices runs a filtered, projected read bounded by the row cap.
func (s *Postgres) GetServices(ctx context.Context, q models.ServiceQuery, projection []string, limit int) ([]models.Service, error) {
	cols, err := serviceProjection(projection)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, s.maxLimit)

	query := "SELECT " + strings.Join(cols, ", ") + " FROM services"
	var where []string
	var args []any
	if len(q.IDs) > 0 {
		args = append(args, q.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Tag != "" {
		args = append(args, q.Tag)
		where = append(where, fmt.Sprintf("tag = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_on LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		svc, err := scanServiceCols(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read services: %w", err)
	}
	return services, nil
}

// GetService fetches one full service record by id.
func (s *Postgres) GetService(ctx context.Context, id string) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+strings.Join(serviceColumns, ", ")+` FROM services WHERE id = $1
	`, id)
	svc, err := scanServiceCols(row, serviceColumns)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Service{}, fmt.Errorf("service %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Service{}, fmt.Errorf("scan service: %w", err)
	}
	return svc, nil
}

// UpdateServices applies each update's ops as one merged UPDATE per record.
// The batch pipelines distinct records in no particular order.
func (s *Postgres) UpdateServices(ctx context.Context, updates []models.ServiceUpdate) (models.BulkResult, error) {
	var res models.BulkResult
	if len(updates) == 0 {
		return res, nil
	}
	b := &pgx.Batch{}
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return res, err
		}
		sql, args, err := buildServiceUpdate(u)
		if err != nil {
			return res, err
		}
		b.Queue(sql, args...)
		ids = append(ids, u.ServiceID)
	}
	return s.execBulk(ctx, b, ids)
}

// DelServices hard-deletes service records. Missing ids are not an error.
func (s *Postgres) DelServices(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM services WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete services: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkServicesRunning records the first task claim for each service.
func (s *Postgres) MarkServicesRunning(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE services SET status = $2, modified_on = now() WHERE id = ANY($1) AND status = $3
	`, ids, models.StatusRunning, models.StatusWaiting)
	if err != nil {
		return fmt.Errorf("mark services running: %w", err)
	}
	return nil
}

// MarkServicesComplete transitions services to COMPLETE.
func (s *Postgres) MarkServicesComplete(ctx context.Context, ids []string) (models.BulkResult, error) {
	if len(ids) == 0 {
		return models.BulkResult{}, nil
	}
	b := &pgx.Batch{}
	for _, id := range ids {
		b.Queue(`
			UPDATE services SET status = $2, error_message = NULL, modified_on = now()
			WHERE id = $1 AND status = ANY($3)
		`, id, models.StatusComplete, []string{string(models.StatusRunning), string(models.StatusWaiting)})
	}
	return s.execBulk(ctx, b, ids)
}

// MarkServicesError transitions services to ERROR with a message.
func (s *Postgres) MarkServicesError(ctx context.Context, ids []string, messages []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(messages) {
		return res, fmt.Errorf("%w: %d ids with %d messages", models.ErrValidation, len(ids), len(messages))
	}
	if len(ids) == 0 {
		return res, nil
	}
	b := &pgx.Batch{}
	for i, id := range ids {
		b.Queue(`
			UPDATE services SET status = $2, error_message = $3, modified_on = now()
			WHERE id = $1 AND status = ANY($4)
		`, id, models.StatusError, messages[i], []string{string(models.StatusRunning), string(models.StatusWaiting)})
	}
	return s.execBulk(ctx, b, ids)
}

// ResetServices transitions ERROR services back to WAITING. Records in any
// other state are reported as missing.
func (s *Postgres) ResetServices(ctx context.Context, ids []string) (models.BulkResult, error) {
	if len(ids) == 0 {
		return models.BulkResult{}, nil
	}
	b := &pgx.Batch{}
	for _, id := range ids {
		b.Queue(`
			UPDATE services SET status = $2, error_message = NULL, modified_on = now()
			WHERE id = $1 AND status = $3
		`, id, models.StatusWaiting, models.StatusError)
	}
	return s.execBulk(ctx, b, ids)
}

// ManagerHeartbeat upserts the named manager in one statement: first sight
// creates the row with the given tag, every call stamps modified_on and adds
// the counter deltas. Concurrent heartbeats cannot lose increments.
func (s *Postgres) ManagerHeartbeat(ctx context.Context, name string, tag *string, delta models.HeartbeatDelta) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: manager name must not be empty", models.ErrValidation)
	}
	if delta.Submitted < 0 || delta.Completed < 0 || delta.Returned < 0 || delta.Failures < 0 {
		return false, fmt.Errorf("%w: heartbeat deltas must be non-negative", models.ErrValidation)
	}
	tagCmd, err := s.pool.Exec(ctx, `
		INSERT INTO managers (name, tag, created_on, modified_on, submitted, completed, returned, failures)
		VALUES ($1, $2, now(), now(), $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			modified_on = now(),
			submitted = managers.submitted + EXCLUDED.submitted,
			completed = managers.completed + EXCLUDED.completed,
			returned  = managers.returned  + EXCLUDED.returned,
			failures  = managers.failures  + EXCLUDED.failures
	`, name, tag, delta.Submitted, delta.Completed, delta.Returned, delta.Failures)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", name, err)
	}
	return tagCmd.RowsAffected() == 1, nil
}

var managerColumns = []string{"name", "tag", "created_on", "modified_on", "submitted", "completed", "returned", "failures"}

func managerProjection(projection []string) ([]string, error) {
	if len(projection) == 0 {
		return managerColumns, nil
	}
	valid := make(map[string]bool, len(managerColumns))
	for _, c := range managerColumns {
		valid[c] = true
	}
	cols := []string{"name"}
	seen := map[string]bool{"name": true}
	for _, p := range projection {
		c := strings.ToLower(strings.TrimSpace(p))
		if !valid[c] {
			return nil, fmt.Errorf("%w: unknown manager column %q", models.ErrValidation, p)
		}
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// GetManagers runs a filtered, projected read over manager records.
func (s *Postgres) GetManagers(ctx context.Context, q models.ManagerQuery, projection []string) ([]models.Manager, error) {
	cols, err := managerProjection(projection)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + strings.Join(cols, ", ") + " FROM managers"
	var where []string
	var args []any
	if len(q.Names) > 0 {
		args = append(args, q.Names)
		where = append(where, fmt.Sprintf("name = ANY($%d)", len(args)))
	}
	if q.Tag != "" {
		args = append(args, q.Tag)
		where = append(where, fmt.Sprintf("tag = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, s.maxLimit)
	query += fmt.Sprintf(" ORDER BY name LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query managers: %w", err)
	}
	defer rows.Close()

	var managers []models.Manager
	for rows.Next() {
		var m models.Manager
		var tag pgtype.Text
		dest := make([]any, 0, len(cols))
		for _, c := range cols {
			switch c {
			case "name":
				dest = append(dest, &m.Name)
			case "tag":
				dest = append(dest, &tag)
			case "created_on":
				dest = append(dest, &m.CreatedOn)
			case "modified_on":
				dest = append(dest, &m.ModifiedOn)
			case "submitted":
				dest = append(dest, &m.Submitted)
			case "completed":
				dest = append(dest, &m.Completed)
			case "returned":
				dest = append(dest, &m.Returned)
			case "failures":
				dest = append(dest, &m.Failures)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan manager: %w", err)
		}
		m.Tag = textPtr(tag)
		managers = append(managers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read managers: %w", err)
	}
	return managers, nil
}

// AddUser inserts the account unless the username is taken. A collision
// leaves the existing record untouched and reports false.
func (s *Postgres) AddUser(ctx context.Context, u models.User) (bool, error) {
	if strings.TrimSpace(u.Username) == "" {
		return false, fmt.Errorf("%w: username must not be empty", models.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password_hash, permissions)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING
	`, u.Username, u.PasswordHash, int(u.Permissions))
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetUser fetches one account by username.
func (s *Postgres) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	var perms int
	err := s.pool.QueryRow(ctx, `
		SELECT username, password_hash, permissions FROM users WHERE username = $1
	`, username).Scan(&u.Username, &u.PasswordHash, &perms)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Permissions = models.Permission(perms)
	return u, nil
}

// RemoveUser deletes the account, reporting whether it existed.
func (s *Postgres) RemoveUser(ctx context.Context, username string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateDataset inserts an empty collection with a unique name.
func (s *Postgres) CreateDataset(ctx context.Context, name string) (models.Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return models.Dataset{}, fmt.Errorf("%w: dataset name must not be empty", models.ErrValidation)
	}
	id := newID()
	now := nowUTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO datasets (id, name, history, created_on, modified_on)
		VALUES ($1, $2, '[]', $3, $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`, id, name, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Dataset{}, fmt.Errorf("dataset %q: %w", name, models.ErrDuplicate)
	}
	if err != nil {
		return models.Dataset{}, fmt.Errorf("insert dataset: %w", err)
	}
	return models.Dataset{ID: id, Name: name, History: []string{}, CreatedOn: now, ModifiedOn: now}, nil
}

// GetDatasetByName fetches a collection header by its unique name.
func (s *Postgres) GetDatasetByName(ctx context.Context, name string) (models.Dataset, error) {
	var ds models.Dataset
	var history []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, history, created_on, modified_on FROM datasets WHERE name = $1
	`, name).Scan(&ds.ID, &ds.Name, &history, &ds.CreatedOn, &ds.ModifiedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Dataset{}, fmt.Errorf("dataset %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return models.Dataset{}, fmt.Errorf("scan dataset: %w", err)
	}
	if err := json.Unmarshal(history, &ds.History); err != nil {
		return models.Dataset{}, fmt.Errorf("unmarshal history: %w", err)
	}
	return ds, nil
}

// DeleteDataset removes the collection with its entries, specifications, and
// object maps. Submitted services and tasks outlive the collection.
func (s *Postgres) DeleteDataset(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete dataset: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddEntry inserts a work item. A duplicate name is a validation failure, not
// an upsert.
func (s *Postgres) AddEntry(ctx context.Context, datasetID string, e models.Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: entry name must not be empty", models.ErrValidation)
	}
	inputs, err := marshalJSON(e.Inputs, "[]")
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	keywords, err := json.Marshal(e.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	attrs, err := marshalJSON(e.Attributes, "{}")
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dataset_entries (dataset_id, name, inputs, keywords, attributes, created_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dataset_id, name) DO NOTHING
	`, datasetID, e.Name, inputs, keywords, attrs, nowUTC())
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %q: %w", e.Name, models.ErrDuplicate)
	}
	return nil
}

// GetEntries returns entries with their object maps populated. An empty
// names slice selects the whole collection.
func (s *Postgres) GetEntries(ctx context.Context, datasetID string, names []string) ([]models.Entry, error) {
	query := `SELECT name, inputs, keywords, attributes FROM dataset_entries WHERE dataset_id = $1`
	args := []any{datasetID}
	if len(names) > 0 {
		args = append(args, names)
		query += ` AND name = ANY($2)`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	index := map[string]int{}
	for rows.Next() {
		var e models.Entry
		var inputs, keywords, attrs []byte
		if err := rows.Scan(&e.Name, &inputs, &keywords, &attrs); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal(inputs, &e.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
		if err := json.Unmarshal(keywords, &e.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
		e.ObjectMap = map[string]string{}
		index[e.Name] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	mapQuery := `SELECT entry_name, spec_name, service_id FROM entry_services WHERE dataset_id = $1`
	mapArgs := []any{datasetID}
	if len(names) > 0 {
		mapArgs = append(mapArgs, names)
		mapQuery += ` AND entry_name = ANY($2)`
	}
	mapRows, err := s.pool.Query(ctx, mapQuery, mapArgs...)
	if err != nil {
		return nil, fmt.Errorf("query object maps: %w", err)
	}
	defer mapRows.Close()
	for mapRows.Next() {
		var entryName, specName, serviceID string
		if err := mapRows.Scan(&entryName, &specName, &serviceID); err != nil {
			return nil, fmt.Errorf("scan object map: %w", err)
		}
		if i, ok := index[entryName]; ok {
			entries[i].ObjectMap[specName] = serviceID
		}
	}
	if err := mapRows.Err(); err != nil {
		return nil, fmt.Errorf("read object maps: %w", err)
	}
	return entries, nil
}

// AddSpecification inserts a named specification. Names collide
// case-insensitively; overwrite replaces the stored record in place.
func (s *Postgres) AddSpecification(ctx context.Context, datasetID string, spec models.Specification, overwrite bool) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: specification name must not be empty", models.ErrValidation)
	}
	opt, err := marshalRaw(spec.OptimizationSpec)
	if err != nil {
		return fmt.Errorf("optimization spec: %w", err)
	}
	calc, err := marshalRaw(spec.CalcSpec)
	if err != nil {
		return fmt.Errorf("calc spec: %w", err)
	}

	if overwrite {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO dataset_specifications (dataset_id, name, description, optimization_spec, calc_spec, created_on)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dataset_id, lower(name)) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				optimization_spec = EXCLUDED.optimization_spec,
				calc_spec = EXCLUDED.calc_spec
		`, datasetID, spec.Name, spec.Description, opt, calc, nowUTC())
		if err != nil {
			return fmt.Errorf("upsert specification: %w", err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dataset_specifications (dataset_id, name, description, optimization_spec, calc_spec, created_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dataset_id, lower(name)) DO NOTHING
	`, datasetID, spec.Name, spec.Description, opt, calc, nowUTC())
	if err != nil {
		return fmt.Errorf("insert specification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("specification %q: %w", spec.Name, models.ErrDuplicate)
	}
	return nil
}

// GetSpecification resolves a specification by case-normalized name.
func (s *Postgres) GetSpecification(ctx context.Context, datasetID, name string) (models.Specification, error) {
	var spec models.Specification
	var opt, calc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, description, optimization_spec, calc_spec
		FROM dataset_specifications
		WHERE dataset_id = $1 AND lower(name) = lower($2)
	`, datasetID, name).Scan(&spec.Name, &spec.Description, &opt, &calc)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Specification{}, fmt.Errorf("specification %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return models.Specification{}, fmt.Errorf("scan specification: %w", err)
	}
	spec.OptimizationSpec = json.RawMessage(opt)
	spec.CalcSpec = json.RawMessage(calc)
	return spec, nil
}

// ListSpecifications returns every specification of a collection.
func (s *Postgres) ListSpecifications(ctx context.Context, datasetID string) ([]models.Specification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, description, optimization_spec, calc_spec
		FROM dataset_specifications WHERE dataset_id = $1 ORDER BY lower(name)
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("query specifications: %w", err)
	}
	defer rows.Close()

	var specs []models.Specification
	for rows.Next() {
		var spec models.Specification
		var opt, calc []byte
		if err := rows.Scan(&spec.Name, &spec.Description, &opt, &calc); err != nil {
			return nil, fmt.Errorf("scan specification: %w", err)
		}
		spec.OptimizationSpec = json.RawMessage(opt)
		spec.CalcSpec = json.RawMessage(calc)
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read specifications: %w", err)
	}
	return specs, nil
}

// AppendHistory records a computed specification name in the collection
// history set.
func (s *Postgres) AppendHistory(ctx context.Context, datasetID, specName string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datasets SET
			history = CASE WHEN history ? $2 THEN history ELSE history || to_jsonb($2::text) END,
			modified_on = now()
		WHERE id = $1
	`, datasetID, specName)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	return nil
}

// CreateDatasetService claims the (entry, spec) object-map slot and creates
// the service with its queue task in the same transaction. Losing the slot
// race rolls everything back and reports created=false.
func (s *Postgres) CreateDatasetService(ctx context.Context, p CreateDatasetServiceParams) (models.Service, models.Task, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Service{}, models.Task{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := nowUTC()
	svc, task, err := buildServiceAndTask(p.Service, now)
	if err != nil {
		return models.Service{}, models.Task{}, false, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO entry_services (dataset_id, entry_name, spec_name, service_id, created_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_id, entry_name, spec_name) DO NOTHING
	`, p.DatasetID, p.EntryName, p.SpecName, svc.ID, now)
	if err != nil {
		return models.Service{}, models.Task{}, false, fmt.Errorf("claim submission slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another submitter holds the slot; keep their record.
		if err := tx.Rollback(ctx); err != nil {
			return models.Service{}, models.Task{}, false, fmt.Errorf("rollback after slot conflict: %w", err)
		}
		return models.Service{}, models.Task{}, false, nil
	}

	if err := insertService(ctx, tx, svc); err != nil {
		return models.Service{}, models.Task{}, false, err
	}
	if err := insertTask(ctx, tx, task); err != nil {
		return models.Service{}, models.Task{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Service{}, models.Task{}, false, fmt.Errorf("commit: %w", err)
	}
	return svc, task, true, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// marshalJSON marshals v, substituting empty for JSON null so jsonb columns
// stay container-typed.
func marshalJSON(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func marshalRaw(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed JSON document", models.ErrValidation)
	}
	return raw, nil
}
