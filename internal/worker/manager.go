package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"lattice/internal/config"
	"lattice/internal/models"
	"lattice/internal/queue"
	"lattice/internal/store"
	"lattice/internal/telemetry"
)

// Manager drives the compute loop: reap expired claims, claim a batch for
// its tag, execute, report results, heartbeat. One Manager instance stands
// for one named worker pool in the coordinator's manager table.
type Manager struct {
	cfg            config.Config
	queue          *queue.TaskQueue
	store          store.Store
	uploader       Uploader
	handlers       map[string]Handler
	defaultHandler Handler
	logger         *slog.Logger
	name           string
	tag            *string

	// Heartbeat deltas accumulated since the previous beat.
	submitted atomic.Int64
	completed atomic.Int64
	returned  atomic.Int64
	failures  atomic.Int64
}

// NewManager builds a manager named after cfg.ManagerName, falling back to
// the hostname. The simulated scan executor is pre-registered and also
// serves as the default handler.
func NewManager(cfg config.Config, q *queue.TaskQueue, st store.Store, up Uploader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ManagerName
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "manager"
	}
	var tag *string
	if cfg.ManagerTag != "" {
		t := cfg.ManagerTag
		tag = &t
	}
	m := &Manager{
		cfg:      cfg,
		queue:    q,
		store:    st,
		uploader: up,
		handlers: make(map[string]Handler),
		logger:   logger.With("manager", name),
		name:     name,
		tag:      tag,
	}
	scan := NewScanExecutor()
	m.defaultHandler = scan.Execute
	m.RegisterHandler(models.ProgramTorsionScan, scan.Execute)
	return m
}

// RegisterHandler binds a handler to a program name.
func (m *Manager) RegisterHandler(program string, handler Handler) {
	if program == "" || handler == nil {
		return
	}
	m.handlers[program] = handler
}

// Run polls until the context is cancelled. A heartbeat goes out immediately
// so the coordinator lists this manager before the first interval elapses.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	m.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			m.sendHeartbeat(ctx)
		default:
		}

		m.reapExpired(ctx)
		m.publishGauges(ctx)

		tasks, err := m.queue.GetNext(ctx, m.cfg.ClaimBatchSize, m.tag)
		if err != nil {
			m.logger.Error("claim failed", "error", err)
			m.idle(ctx)
			continue
		}
		if len(tasks) == 0 {
			m.idle(ctx)
			continue
		}
		m.submitted.Add(int64(len(tasks)))
		telemetry.TasksClaimed.Add(float64(len(tasks)))

		for _, task := range tasks {
			m.runTask(ctx, task)
		}
	}
}

func (m *Manager) idle(ctx context.Context) {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

// reapExpired requeues claims whose visibility deadline passed, e.g. after
// another manager died without reporting back.
func (m *Manager) reapExpired(ctx context.Context) {
	reaped, err := m.queue.ReapExpired(ctx, time.Now(), int64(m.cfg.ReapBatchSize))
	if err != nil {
		m.logger.Error("reap expired claims", "error", err)
		return
	}
	if len(reaped) > 0 {
		telemetry.TasksReaped.Add(float64(len(reaped)))
		m.logger.Warn("requeued expired claims", "count", len(reaped))
	}
}

func (m *Manager) publishGauges(ctx context.Context) {
	if depth, err := m.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := m.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

// runTask executes one claimed task and reports the outcome. A failed report
// leaves the claim in flight for the reaper, so nothing is lost when the
// coordinator is briefly unreachable.
func (m *Manager) runTask(ctx context.Context, task models.Task) {
	res, err := m.execute(ctx, task)
	if err != nil {
		m.failTask(ctx, task, err)
		return
	}
	location, err := m.storeResult(ctx, task, res)
	if err != nil {
		m.failTask(ctx, task, err)
		return
	}
	if task.ServiceID != nil {
		if err := m.applyServiceResult(ctx, *task.ServiceID, res); err != nil {
			m.failTask(ctx, task, err)
			return
		}
	}
	if _, err := m.queue.MarkComplete(ctx, []string{task.ID}, []string{location}); err != nil {
		m.logger.Error("mark complete", "task", task.ID, "error", err)
		return
	}
	m.completed.Add(1)
	m.returned.Add(1)
	telemetry.TasksCompleted.Inc()
	m.logger.Info("task complete", "task", task.ID, "location", location)
}

func (m *Manager) execute(ctx context.Context, task models.Task) (Result, error) {
	var spec models.ExecutionSpec
	if err := json.Unmarshal(task.Spec, &spec); err != nil {
		return Result{}, fmt.Errorf("decode execution spec: %w", err)
	}
	handler, ok := m.handlers[spec.Program]
	if !ok {
		if m.defaultHandler == nil {
			return Result{}, fmt.Errorf("no handler registered for program %q", spec.Program)
		}
		handler = m.defaultHandler
	}
	return handler(ctx, task, spec)
}

// resultDocument is the artifact uploaded for every completed task. Its
// location becomes the task's result_location.
type resultDocument struct {
	TaskID     string                       `json:"task_id"`
	ServiceID  *string                      `json:"service_id,omitempty"`
	Manager    string                       `json:"manager"`
	Stages     map[string][]models.StageRun `json:"stages"`
	Counters   map[string]int64             `json:"counters"`
	FinishedOn time.Time                    `json:"finished_on"`
}

func (m *Manager) storeResult(ctx context.Context, task models.Task, res Result) (string, error) {
	doc := resultDocument{
		TaskID:     task.ID,
		ServiceID:  task.ServiceID,
		Manager:    m.name,
		Stages:     res.Stages,
		Counters:   res.Counters,
		FinishedOn: time.Now().UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	key := fmt.Sprintf("tasks/%s.json", task.ID)
	location, err := m.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}
	return location, nil
}

// applyServiceResult folds the run output into the owning service as one
// atomic update: stage appends, counter increments, and the COMPLETE flip.
func (m *Manager) applyServiceResult(ctx context.Context, serviceID string, res Result) error {
	ops := make([]models.UpdateOp, 0, len(res.Stages)+len(res.Counters)+1)
	for _, stage := range sortedKeys(res.Stages) {
		ops = append(ops, models.AppendStageOp(stage, res.Stages[stage]))
	}
	for _, counter := range sortedKeys(res.Counters) {
		ops = append(ops, models.IncrementOp(counter, res.Counters[counter]))
	}
	ops = append(ops, models.SetFieldOp("status", models.StatusComplete))

	result, err := m.store.UpdateServices(ctx, []models.ServiceUpdate{{ServiceID: serviceID, Ops: ops}})
	if err != nil {
		return fmt.Errorf("apply service update: %w", err)
	}
	if result.Updated != 1 {
		return fmt.Errorf("service %s: %w", serviceID, models.ErrNotFound)
	}
	telemetry.ServiceUpdates.Inc()
	return nil
}

func (m *Manager) failTask(ctx context.Context, task models.Task, cause error) {
	m.logger.Error("task failed", "task", task.ID, "error", cause)
	if _, err := m.queue.MarkError(ctx, []string{task.ID}, []string{cause.Error()}); err != nil {
		m.logger.Error("mark error", "task", task.ID, "error", err)
		return
	}
	m.failures.Add(1)
	m.returned.Add(1)
	telemetry.TasksErrored.Inc()
}

// sendHeartbeat reports the counter deltas accumulated since the previous
// beat. A failed send restores the deltas so no progress is dropped.
func (m *Manager) sendHeartbeat(ctx context.Context) {
	delta := models.HeartbeatDelta{
		Submitted: m.submitted.Swap(0),
		Completed: m.completed.Swap(0),
		Returned:  m.returned.Swap(0),
		Failures:  m.failures.Swap(0),
	}
	if _, err := m.store.ManagerHeartbeat(ctx, m.name, m.tag, delta); err != nil {
		m.submitted.Add(delta.Submitted)
		m.completed.Add(delta.Completed)
		m.returned.Add(delta.Returned)
		m.failures.Add(delta.Failures)
		m.logger.Error("heartbeat failed", "error", err)
		return
	}
	telemetry.Heartbeats.Inc()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
