package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"lattice/internal/models"
)

// Memory implements Store on in-process maps. It backs tests and small
// single-node deployments; semantics mirror the Postgres implementation.
type Memory struct {
	mu       sync.Mutex
	maxLimit int

	tasks    map[string]*models.Task
	taskSeq  []string
	services map[string]*models.Service
	svcSeq   []string
	managers map[string]*models.Manager
	users    map[string]models.User
	datasets map[string]*memDataset
	dsNames  map[string]string
}

type memDataset struct {
	ds      models.Dataset
	entries map[string]*models.Entry
	specs   map[string]models.Specification
	slots   map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty in-memory store. maxLimit caps every read; zero
// selects DefaultMaxLimit.
func NewMemory(maxLimit int) *Memory {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &Memory{
		maxLimit: maxLimit,
		tasks:    map[string]*models.Task{},
		services: map[string]*models.Service{},
		managers: map[string]*models.Manager{},
		users:    map[string]models.User{},
		datasets: map[string]*memDataset{},
		dsNames:  map[string]string{},
	}
}

func slotKey(entryName, specName string) string {
	return entryName + "\x00" + specName
}

func (m *Memory) CreateTasks(_ context.Context, specs []models.TaskSpec, tag *string) ([]models.Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUTC()
	tasks := make([]models.Task, 0, len(specs))
	for _, spec := range specs {
		if len(spec.Spec) == 0 {
			return nil, fmt.Errorf("%w: task payload must not be empty", models.ErrValidation)
		}
		t := models.Task{
			ID:         newID(),
			ServiceID:  emptyToNil(spec.ServiceID),
			Spec:       cloneRaw(spec.Spec),
			Tag:        clonePtr(tag),
			Priority:   models.NormalizePriority(spec.Priority),
			Status:     models.StatusWaiting,
			CreatedOn:  now,
			ModifiedOn: now,
		}
		stored := cloneTask(t)
		m.tasks[t.ID] = &stored
		m.taskSeq = append(m.taskSeq, t.ID)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return cloneTask(*t), nil
}

func (m *Memory) GetTasks(_ context.Context, ids []string) ([]models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := toSet(ids)
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []models.Task
	for _, id := range m.taskSeq {
		if !want[id] {
			continue
		}
		tasks = append(tasks, cloneTask(*m.tasks[id]))
	}
	return tasks, nil
}

func (m *Memory) GetTasksByService(_ context.Context, serviceID string, limit int) ([]models.Task, error) {
	limit = clampLimit(limit, m.maxLimit)
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []models.Task
	for _, id := range m.taskSeq {
		t := m.tasks[id]
		if t.ServiceID == nil || *t.ServiceID != serviceID {
			continue
		}
		tasks = append(tasks, cloneTask(*t))
		if len(tasks) == limit {
			break
		}
	}
	return tasks, nil
}

func (m *Memory) ClaimTasks(_ context.Context, ids []string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []models.Task
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.Status != models.StatusWaiting {
			continue
		}
		t.Status = models.StatusRunning
		t.ModifiedOn = nowUTC()
		claimed = append(claimed, cloneTask(*t))
	}
	return claimed, nil
}

func (m *Memory) MarkTasksComplete(_ context.Context, ids []string, locations []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(locations) {
		return res, fmt.Errorf("%w: %d ids with %d result locations", models.ErrValidation, len(ids), len(locations))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		t, ok := m.tasks[id]
		if !ok || (t.Status != models.StatusRunning && t.Status != models.StatusWaiting) {
			res.Missing = append(res.Missing, id)
			continue
		}
		loc := locations[i]
		t.Status = models.StatusComplete
		t.ResultLocation = &loc
		t.ErrorMessage = nil
		t.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) MarkTasksError(_ context.Context, ids []string, messages []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(messages) {
		return res, fmt.Errorf("%w: %d ids with %d messages", models.ErrValidation, len(ids), len(messages))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		t, ok := m.tasks[id]
		if !ok || (t.Status != models.StatusRunning && t.Status != models.StatusWaiting) {
			res.Missing = append(res.Missing, id)
			continue
		}
		msg := messages[i]
		t.Status = models.StatusError
		t.ErrorMessage = &msg
		t.ResultLocation = nil
		t.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) ResetTasks(_ context.Context, ids []string) (models.BulkResult, error) {
	var res models.BulkResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		t.Status = models.StatusWaiting
		t.ResultLocation = nil
		t.ErrorMessage = nil
		t.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) AddServices(_ context.Context, specs []ServiceSpec) ([]models.Service, []models.Task, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUTC()
	services := make([]models.Service, 0, len(specs))
	tasks := make([]models.Task, 0, len(specs))
	for _, sp := range specs {
		svc, task, err := buildServiceAndTask(sp, now)
		if err != nil {
			return nil, nil, err
		}
		m.putServiceLocked(svc)
		m.putTaskLocked(task)
		services = append(services, svc)
		tasks = append(tasks, task)
	}
	return services, tasks, nil
}

func (m *Memory) putServiceLocked(svc models.Service) {
	stored := cloneService(svc)
	m.services[svc.ID] = &stored
	m.svcSeq = append(m.svcSeq, svc.ID)
}

func (m *Memory) putTaskLocked(t models.Task) {
	stored := cloneTask(t)
	m.tasks[t.ID] = &stored
	m.taskSeq = append(m.taskSeq, t.ID)
}

func (m *Memory) GetServices(_ context.Context, q models.ServiceQuery, projection []string, limit int) ([]models.Service, error) {
	cols, err := serviceProjection(projection)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, m.maxLimit)
	var want map[string]bool
	if len(q.IDs) > 0 {
		want = toSet(q.IDs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var services []models.Service
	for _, id := range m.svcSeq {
		svc := m.services[id]
		if want != nil && !want[id] {
			continue
		}
		if q.Status != "" && svc.Status != q.Status {
			continue
		}
		if q.Tag != "" && (svc.Tag == nil || *svc.Tag != q.Tag) {
			continue
		}
		services = append(services, projectService(cloneService(*svc), cols))
		if len(services) == limit {
			break
		}
	}
	return services, nil
}

// projectService zeroes every field outside the projected column set.
func projectService(svc models.Service, cols []string) models.Service {
	keep := toSet(cols)
	out := models.Service{ID: svc.ID}
	if keep["status"] {
		out.Status = svc.Status
	}
	if keep["tag"] {
		out.Tag = svc.Tag
	}
	if keep["priority"] {
		out.Priority = svc.Priority
	}
	if keep["program"] {
		out.Program = svc.Program
	}
	if keep["payload"] {
		out.Payload = svc.Payload
	}
	if keep["stages"] {
		out.Stages = svc.Stages
	}
	if keep["counters"] {
		out.Counters = svc.Counters
	}
	if keep["error_message"] {
		out.ErrorMessage = svc.ErrorMessage
	}
	if keep["created_on"] {
		out.CreatedOn = svc.CreatedOn
	}
	if keep["modified_on"] {
		out.ModifiedOn = svc.ModifiedOn
	}
	return out
}

func (m *Memory) GetService(_ context.Context, id string) (models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return models.Service{}, fmt.Errorf("service %s: %w", id, models.ErrNotFound)
	}
	return cloneService(*svc), nil
}

func (m *Memory) UpdateServices(_ context.Context, updates []models.ServiceUpdate) (models.BulkResult, error) {
	var res models.BulkResult
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return res, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		svc, ok := m.services[u.ServiceID]
		if !ok {
			res.Missing = append(res.Missing, u.ServiceID)
			continue
		}
		if err := applyServiceUpdate(svc, u); err != nil {
			return res, err
		}
		res.Updated++
	}
	return res, nil
}

func (m *Memory) DelServices(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		if _, ok := m.services[id]; !ok {
			continue
		}
		delete(m.services, id)
		deleted++
	}
	if deleted > 0 {
		seq := m.svcSeq[:0]
		for _, id := range m.svcSeq {
			if _, ok := m.services[id]; ok {
				seq = append(seq, id)
			}
		}
		m.svcSeq = seq
	}
	return deleted, nil
}

func (m *Memory) MarkServicesRunning(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if svc, ok := m.services[id]; ok && svc.Status == models.StatusWaiting {
			svc.Status = models.StatusRunning
			svc.ModifiedOn = nowUTC()
		}
	}
	return nil
}

func (m *Memory) MarkServicesComplete(_ context.Context, ids []string) (models.BulkResult, error) {
	var res models.BulkResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		svc, ok := m.services[id]
		if !ok || (svc.Status != models.StatusRunning && svc.Status != models.StatusWaiting) {
			res.Missing = append(res.Missing, id)
			continue
		}
		svc.Status = models.StatusComplete
		svc.ErrorMessage = nil
		svc.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) MarkServicesError(_ context.Context, ids []string, messages []string) (models.BulkResult, error) {
	var res models.BulkResult
	if len(ids) != len(messages) {
		return res, fmt.Errorf("%w: %d ids with %d messages", models.ErrValidation, len(ids), len(messages))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		svc, ok := m.services[id]
		if !ok || (svc.Status != models.StatusRunning && svc.Status != models.StatusWaiting) {
			res.Missing = append(res.Missing, id)
			continue
		}
		msg := messages[i]
		svc.Status = models.StatusError
		svc.ErrorMessage = &msg
		svc.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) ResetServices(_ context.Context, ids []string) (models.BulkResult, error) {
	var res models.BulkResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		svc, ok := m.services[id]
		if !ok || svc.Status != models.StatusError {
			res.Missing = append(res.Missing, id)
			continue
		}
		svc.Status = models.StatusWaiting
		svc.ErrorMessage = nil
		svc.ModifiedOn = nowUTC()
		res.Updated++
	}
	return res, nil
}

func (m *Memory) ManagerHeartbeat(_ context.Context, name string, tag *string, delta models.HeartbeatDelta) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: manager name must not be empty", models.ErrValidation)
	}
	if delta.Submitted < 0 || delta.Completed < 0 || delta.Returned < 0 || delta.Failures < 0 {
		return false, fmt.Errorf("%w: heartbeat deltas must be non-negative", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowUTC()
	mgr, ok := m.managers[name]
	if !ok {
		mgr = &models.Manager{Name: name, Tag: clonePtr(tag), CreatedOn: now}
		m.managers[name] = mgr
	}
	mgr.ModifiedOn = now
	mgr.Submitted += delta.Submitted
	mgr.Completed += delta.Completed
	mgr.Returned += delta.Returned
	mgr.Failures += delta.Failures
	return true, nil
}

func (m *Memory) GetManagers(_ context.Context, q models.ManagerQuery, projection []string) ([]models.Manager, error) {
	cols, err := managerProjection(projection)
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(q.Names) > 0 {
		want = toSet(q.Names)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var managers []models.Manager
	for name, mgr := range m.managers {
		if want != nil && !want[name] {
			continue
		}
		if q.Tag != "" && (mgr.Tag == nil || *mgr.Tag != q.Tag) {
			continue
		}
		managers = append(managers, projectManager(*mgr, cols))
	}
	sort.Slice(managers, func(i, j int) bool { return managers[i].Name < managers[j].Name })
	if len(managers) > m.maxLimit {
		managers = managers[:m.maxLimit]
	}
	return managers, nil
}

func projectManager(mgr models.Manager, cols []string) models.Manager {
	keep := toSet(cols)
	out := models.Manager{Name: mgr.Name}
	if keep["tag"] {
		out.Tag = clonePtr(mgr.Tag)
	}
	if keep["created_on"] {
		out.CreatedOn = mgr.CreatedOn
	}
	if keep["modified_on"] {
		out.ModifiedOn = mgr.ModifiedOn
	}
	if keep["submitted"] {
		out.Submitted = mgr.Submitted
	}
	if keep["completed"] {
		out.Completed = mgr.Completed
	}
	if keep["returned"] {
		out.Returned = mgr.Returned
	}
	if keep["failures"] {
		out.Failures = mgr.Failures
	}
	return out
}

func (m *Memory) AddUser(_ context.Context, u models.User) (bool, error) {
	if strings.TrimSpace(u.Username) == "" {
		return false, fmt.Errorf("%w: username must not be empty", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return false, nil
	}
	stored := u
	stored.PasswordHash = append([]byte(nil), u.PasswordHash...)
	m.users[u.Username] = stored
	return true, nil
}

func (m *Memory) GetUser(_ context.Context, username string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	out := u
	out.PasswordHash = append([]byte(nil), u.PasswordHash...)
	return out, nil
}

func (m *Memory) RemoveUser(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return false, nil
	}
	delete(m.users, username)
	return true, nil
}

func (m *Memory) CreateDataset(_ context.Context, name string) (models.Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return models.Dataset{}, fmt.Errorf("%w: dataset name must not be empty", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dsNames[name]; ok {
		return models.Dataset{}, fmt.Errorf("dataset %q: %w", name, models.ErrDuplicate)
	}
	now := nowUTC()
	ds := models.Dataset{ID: newID(), Name: name, History: []string{}, CreatedOn: now, ModifiedOn: now}
	m.datasets[ds.ID] = &memDataset{
		ds:      ds,
		entries: map[string]*models.Entry{},
		specs:   map[string]models.Specification{},
		slots:   map[string]string{},
	}
	m.dsNames[name] = ds.ID
	return ds, nil
}

func (m *Memory) GetDatasetByName(_ context.Context, name string) (models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.dsNames[name]
	if !ok {
		return models.Dataset{}, fmt.Errorf("dataset %q: %w", name, models.ErrNotFound)
	}
	ds := m.datasets[id].ds
	ds.History = append([]string(nil), ds.History...)
	return ds, nil
}

func (m *Memory) DeleteDataset(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[id]
	if !ok {
		return false, nil
	}
	delete(m.dsNames, md.ds.Name)
	delete(m.datasets, id)
	return true, nil
}

func (m *Memory) AddEntry(_ context.Context, datasetID string, e models.Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: entry name must not be empty", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	if _, ok := md.entries[e.Name]; ok {
		return fmt.Errorf("entry %q: %w", e.Name, models.ErrDuplicate)
	}
	stored := cloneEntry(e)
	md.entries[e.Name] = &stored
	return nil
}

func (m *Memory) GetEntries(_ context.Context, datasetID string, names []string) ([]models.Entry, error) {
	var want map[string]bool
	if len(names) > 0 {
		want = toSet(names)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return nil, nil
	}
	var entries []models.Entry
	for name, e := range md.entries {
		if want != nil && !want[name] {
			continue
		}
		out := cloneEntry(*e)
		out.ObjectMap = map[string]string{}
		for key, serviceID := range md.slots {
			entryName, specName, found := strings.Cut(key, "\x00")
			if found && entryName == name {
				out.ObjectMap[specName] = serviceID
			}
		}
		entries = append(entries, out)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *Memory) AddSpecification(_ context.Context, datasetID string, spec models.Specification, overwrite bool) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: specification name must not be empty", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	key := strings.ToLower(spec.Name)
	if _, ok := md.specs[key]; ok && !overwrite {
		return fmt.Errorf("specification %q: %w", spec.Name, models.ErrDuplicate)
	}
	md.specs[key] = models.Specification{
		Name:             spec.Name,
		Description:      spec.Description,
		OptimizationSpec: cloneRaw(spec.OptimizationSpec),
		CalcSpec:         cloneRaw(spec.CalcSpec),
	}
	return nil
}

func (m *Memory) GetSpecification(_ context.Context, datasetID, name string) (models.Specification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return models.Specification{}, fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	spec, ok := md.specs[strings.ToLower(name)]
	if !ok {
		return models.Specification{}, fmt.Errorf("specification %q: %w", name, models.ErrNotFound)
	}
	spec.OptimizationSpec = cloneRaw(spec.OptimizationSpec)
	spec.CalcSpec = cloneRaw(spec.CalcSpec)
	return spec, nil
}

func (m *Memory) ListSpecifications(_ context.Context, datasetID string) ([]models.Specification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return nil, nil
	}
	var specs []models.Specification
	for _, spec := range md.specs {
		spec.OptimizationSpec = cloneRaw(spec.OptimizationSpec)
		spec.CalcSpec = cloneRaw(spec.CalcSpec)
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return strings.ToLower(specs[i].Name) < strings.ToLower(specs[j].Name)
	})
	return specs, nil
}

func (m *Memory) AppendHistory(_ context.Context, datasetID, specName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[datasetID]
	if !ok {
		return fmt.Errorf("dataset %s: %w", datasetID, models.ErrNotFound)
	}
	for _, h := range md.ds.History {
		if h == specName {
			md.ds.ModifiedOn = nowUTC()
			return nil
		}
	}
	md.ds.History = append(md.ds.History, specName)
	md.ds.ModifiedOn = nowUTC()
	return nil
}

func (m *Memory) CreateDatasetService(_ context.Context, p CreateDatasetServiceParams) (models.Service, models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.datasets[p.DatasetID]
	if !ok {
		return models.Service{}, models.Task{}, false, fmt.Errorf("dataset %s: %w", p.DatasetID, models.ErrNotFound)
	}
	key := slotKey(p.EntryName, p.SpecName)
	if _, taken := md.slots[key]; taken {
		return models.Service{}, models.Task{}, false, nil
	}
	svc, task, err := buildServiceAndTask(p.Service, nowUTC())
	if err != nil {
		return models.Service{}, models.Task{}, false, err
	}
	md.slots[key] = svc.ID
	m.putServiceLocked(svc)
	m.putTaskLocked(task)
	return svc, task, true, nil
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTask(t models.Task) models.Task {
	t.ServiceID = clonePtr(t.ServiceID)
	t.Spec = cloneRaw(t.Spec)
	t.Tag = clonePtr(t.Tag)
	t.ResultLocation = clonePtr(t.ResultLocation)
	t.ErrorMessage = clonePtr(t.ErrorMessage)
	return t
}

func cloneService(s models.Service) models.Service {
	s.Tag = clonePtr(s.Tag)
	s.ErrorMessage = clonePtr(s.ErrorMessage)
	s.Payload = clonePayload(s.Payload)
	if s.Stages != nil {
		stages := make(map[string][]models.StageRun, len(s.Stages))
		for key, runs := range s.Stages {
			copied := make([]models.StageRun, len(runs))
			for i, run := range runs {
				run.Trajectory = append([]string(nil), run.Trajectory...)
				copied[i] = run
			}
			stages[key] = copied
		}
		s.Stages = stages
	}
	if s.Counters != nil {
		counters := make(map[string]int64, len(s.Counters))
		for key, v := range s.Counters {
			counters[key] = v
		}
		s.Counters = counters
	}
	return s
}

func clonePayload(p models.ServicePayload) models.ServicePayload {
	p.Inputs = append([]string(nil), p.Inputs...)
	p.Keywords = cloneKeywords(p.Keywords)
	p.OptimizationSpec = cloneRaw(p.OptimizationSpec)
	p.CalcSpec = cloneRaw(p.CalcSpec)
	return p
}

func cloneKeywords(k models.ScanKeywords) models.ScanKeywords {
	if k.Axes != nil {
		axes := make([][]int, len(k.Axes))
		for i, axis := range k.Axes {
			axes[i] = append([]int(nil), axis...)
		}
		k.Axes = axes
	}
	k.GridSpacing = append([]int(nil), k.GridSpacing...)
	k.AxisRanges = append([][2]int(nil), k.AxisRanges...)
	if k.EnergyDecreaseThresh != nil {
		v := *k.EnergyDecreaseThresh
		k.EnergyDecreaseThresh = &v
	}
	if k.EnergyUpperLimit != nil {
		v := *k.EnergyUpperLimit
		k.EnergyUpperLimit = &v
	}
	return k
}

func cloneEntry(e models.Entry) models.Entry {
	e.Inputs = append([]string(nil), e.Inputs...)
	e.Keywords = cloneKeywords(e.Keywords)
	if e.Attributes != nil {
		attrs := make(map[string]any, len(e.Attributes))
		for key, v := range e.Attributes {
			attrs[key] = v
		}
		e.Attributes = attrs
	}
	if e.ObjectMap != nil {
		objMap := make(map[string]string, len(e.ObjectMap))
		for key, v := range e.ObjectMap {
			objMap[key] = v
		}
		e.ObjectMap = objMap
	}
	return e
}
