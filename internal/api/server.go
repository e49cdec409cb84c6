package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lattice/internal/auth"
	"lattice/internal/config"
	"lattice/internal/dataset"
	"lattice/internal/models"
	"lattice/internal/queue"
	"lattice/internal/ratelimit"
	"lattice/internal/store"
	"lattice/internal/telemetry"
)

// Server wires the coordinator REST surface. Every /v1 route passes basic
// auth with a per-route permission; /healthz and /metrics stay open.
type Server struct {
	cfg     config.Config
	store   store.Store
	queue   *queue.TaskQueue
	auth    *auth.Registry
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

func New(cfg config.Config, st store.Store, q *queue.TaskQueue, reg *auth.Registry, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		auth:    reg,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.With(s.requirePerm(models.PermQueue)).Post("/", s.handleSubmitTasks)
			r.With(s.requirePerm(models.PermQueue)).Post("/claim", s.handleClaimTasks)
			r.With(s.requirePerm(models.PermQueue)).Post("/complete", s.handleCompleteTasks)
			r.With(s.requirePerm(models.PermQueue)).Post("/error", s.handleErrorTasks)
			r.With(s.requirePerm(models.PermQueue)).Post("/reset", s.handleResetTasks)
			r.With(s.requirePerm(models.PermRead)).Get("/{id}", s.handleGetTask)
		})
		r.Route("/services", func(r chi.Router) {
			r.With(s.requirePerm(models.PermCompute)).Post("/", s.handleSubmitServices)
			r.With(s.requirePerm(models.PermRead)).Get("/", s.handleGetServices)
			r.With(s.requirePerm(models.PermQueue)).Post("/updates", s.handleUpdateServices)
			r.With(s.requirePerm(models.PermAdmin)).Delete("/", s.handleDeleteServices)
		})
		r.Route("/managers", func(r chi.Router) {
			r.With(s.requirePerm(models.PermQueue)).Post("/heartbeat", s.handleHeartbeat)
			r.With(s.requirePerm(models.PermRead)).Get("/", s.handleGetManagers)
		})
		r.Route("/datasets", func(r chi.Router) {
			r.With(s.requirePerm(models.PermWrite)).Post("/", s.handleCreateDataset)
			r.Route("/{name}", func(r chi.Router) {
				r.With(s.requirePerm(models.PermRead)).Get("/", s.handleGetDataset)
				r.With(s.requirePerm(models.PermAdmin)).Delete("/", s.handleDeleteDataset)
				r.With(s.requirePerm(models.PermWrite)).Post("/entries", s.handleAddEntry)
				r.With(s.requirePerm(models.PermRead)).Get("/entries", s.handleGetEntries)
				r.With(s.requirePerm(models.PermWrite)).Post("/specifications", s.handleAddSpecification)
				r.With(s.requirePerm(models.PermRead)).Get("/specifications", s.handleGetSpecifications)
				r.With(s.requirePerm(models.PermCompute)).Post("/compute", s.handleComputeDataset)
				r.With(s.requirePerm(models.PermRead)).Post("/counts", s.handleDatasetCounts)
			})
		})
		r.Route("/users", func(r chi.Router) {
			r.With(s.requirePerm(models.PermAdmin)).Post("/", s.handleAddUser)
			r.With(s.requirePerm(models.PermAdmin)).Delete("/{username}", s.handleRemoveUser)
		})
	})
	return r
}

// requirePerm resolves basic-auth credentials against the account registry.
// Denials carry the registry's reason verbatim.
func (s *Server) requirePerm(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, _ := r.BasicAuth()
			ok, reason := s.auth.Verify(r.Context(), username, password, perm)
			if !ok {
				telemetry.AuthFailures.Inc()
				status := http.StatusUnauthorized
				if reason == auth.ReasonNoPermission {
					status = http.StatusForbidden
				} else {
					w.Header().Set("WWW-Authenticate", `Basic realm="lattice"`)
				}
				http.Error(w, reason, status)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowSubmission consumes a rate-limit token for the caller and writes the
// rejection itself. Submission endpoints call it before touching the store.
func (s *Server) allowSubmission(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), callerFromRequest(r))
	if err != nil {
		s.logger.Error("rate limiter unavailable", "error", err)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

type submitTasksRequest struct {
	Tasks []models.TaskSpec `json:"tasks"`
	Tag   *string           `json:"tag"`
}

type submitTasksResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleSubmitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Tasks) == 0 {
		http.Error(w, "tasks are required", http.StatusBadRequest)
		return
	}
	if !s.allowSubmission(w, r) {
		return
	}
	ids, err := s.queue.Submit(r.Context(), req.Tasks, req.Tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksSubmitted.Add(float64(len(ids)))
	writeJSON(w, http.StatusAccepted, submitTasksResponse{IDs: ids})
}

type claimTasksRequest struct {
	Limit int     `json:"limit"`
	Tag   *string `json:"tag"`
}

func (s *Server) handleClaimTasks(w http.ResponseWriter, r *http.Request) {
	var req claimTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tasks, err := s.queue.GetNext(r.Context(), req.Limit, req.Tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksClaimed.Add(float64(len(tasks)))
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type completeTasksRequest struct {
	IDs       []string `json:"ids"`
	Locations []string `json:"locations"`
}

func (s *Server) handleCompleteTasks(w http.ResponseWriter, r *http.Request) {
	var req completeTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.queue.MarkComplete(r.Context(), req.IDs, req.Locations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksCompleted.Add(float64(res.Updated))
	writeJSON(w, http.StatusOK, res)
}

type errorTasksRequest struct {
	IDs      []string `json:"ids"`
	Messages []string `json:"messages"`
}

func (s *Server) handleErrorTasks(w http.ResponseWriter, r *http.Request) {
	var req errorTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.queue.MarkError(r.Context(), req.IDs, req.Messages)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksErrored.Add(float64(res.Updated))
	writeJSON(w, http.StatusOK, res)
}

type resetTasksRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleResetTasks(w http.ResponseWriter, r *http.Request) {
	var req resetTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.queue.ResetStatus(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksReset.Add(float64(res.Updated))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	siblings := 0
	if v := r.URL.Query().Get("siblings"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "siblings must be an integer", http.StatusBadRequest)
			return
		}
		siblings = n
	}
	task, rest, err := s.queue.GetByID(r.Context(), id, siblings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "siblings": rest})
}

type submitServicesRequest struct {
	Services []serviceSpec `json:"services"`
}

type serviceSpec struct {
	Program  string                `json:"program"`
	Tag      *string               `json:"tag"`
	Priority models.Priority       `json:"priority"`
	Payload  models.ServicePayload `json:"payload"`
}

func (s *Server) handleSubmitServices(w http.ResponseWriter, r *http.Request) {
	var req submitServicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Services) == 0 {
		http.Error(w, "services are required", http.StatusBadRequest)
		return
	}
	if !s.allowSubmission(w, r) {
		return
	}
	specs := make([]store.ServiceSpec, len(req.Services))
	for i, sp := range req.Services {
		specs[i] = store.ServiceSpec{
			Program:  sp.Program,
			Tag:      sp.Tag,
			Priority: sp.Priority,
			Payload:  sp.Payload,
		}
	}
	services, err := s.queue.SubmitServices(r.Context(), specs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ids := make([]string, len(services))
	for i, svc := range services {
		ids[i] = svc.ID
	}
	telemetry.TasksSubmitted.Add(float64(len(ids)))
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.ServiceQuery{
		IDs:    q["id"],
		Status: models.Status(q.Get("status")),
		Tag:    q.Get("tag"),
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	services, err := s.store.GetServices(r.Context(), query, splitList(q.Get("projection")), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

type updateServicesRequest struct {
	Updates []models.ServiceUpdate `json:"updates"`
}

func (s *Server) handleUpdateServices(w http.ResponseWriter, r *http.Request) {
	var req updateServicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.store.UpdateServices(r.Context(), req.Updates)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.ServiceUpdates.Add(float64(res.Updated))
	writeJSON(w, http.StatusOK, res)
}

type deleteServicesRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDeleteServices(w http.ResponseWriter, r *http.Request) {
	var req deleteServicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	deleted, err := s.store.DelServices(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type heartbeatRequest struct {
	Name      string  `json:"name"`
	Tag       *string `json:"tag"`
	Submitted int64   `json:"submitted"`
	Completed int64   `json:"completed"`
	Returned  int64   `json:"returned"`
	Failures  int64   `json:"failures"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ok, err := s.store.ManagerHeartbeat(r.Context(), req.Name, req.Tag, models.HeartbeatDelta{
		Submitted: req.Submitted,
		Completed: req.Completed,
		Returned:  req.Returned,
		Failures:  req.Failures,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.Heartbeats.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleGetManagers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	managers, err := s.store.GetManagers(r.Context(), models.ManagerQuery{
		Names: q["name"],
		Tag:   q.Get("tag"),
	}, splitList(q.Get("projection")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"managers": managers})
}

type createDatasetRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	col, err := dataset.Create(r.Context(), s.store, s.queue, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ds, err := col.Dataset(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) openCollection(w http.ResponseWriter, r *http.Request) (*dataset.Collection, bool) {
	col, err := dataset.Open(r.Context(), s.store, s.queue, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return col, true
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	ds, err := col.Dataset(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	deleted, err := col.Delete(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

type addEntryRequest struct {
	Name       string              `json:"name"`
	Inputs     []string            `json:"inputs"`
	Keywords   models.ScanKeywords `json:"keywords"`
	Attributes map[string]any      `json:"attributes"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	var req addEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := col.AddEntry(r.Context(), req.Name, req.Inputs, req.Keywords, req.Attributes); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	entries, err := col.Entries(r.Context(), r.URL.Query()["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type addSpecificationRequest struct {
	Specification models.Specification `json:"specification"`
	Overwrite     bool                 `json:"overwrite"`
}

func (s *Server) handleAddSpecification(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	var req addSpecificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := col.AddSpecification(r.Context(), req.Specification, req.Overwrite); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleGetSpecifications(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	specs, err := col.Specifications(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"specifications": specs})
}

type computeDatasetRequest struct {
	Specification string          `json:"specification"`
	Subset        []string        `json:"subset"`
	Tag           *string         `json:"tag"`
	Priority      models.Priority `json:"priority"`
}

func (s *Server) handleComputeDataset(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	var req computeDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Specification == "" {
		http.Error(w, "specification is required", http.StatusBadRequest)
		return
	}
	if !s.allowSubmission(w, r) {
		return
	}
	n, err := col.Compute(r.Context(), req.Specification, req.Subset, req.Tag, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.TasksSubmitted.Add(float64(n))
	writeJSON(w, http.StatusAccepted, map[string]int{"submitted": n})
}

type datasetCountsRequest struct {
	Entries        []string `json:"entries"`
	Specifications []string `json:"specifications"`
	CountGradients bool     `json:"count_gradients"`
}

func (s *Server) handleDatasetCounts(w http.ResponseWriter, r *http.Request) {
	col, ok := s.openCollection(w, r)
	if !ok {
		return
	}
	var req datasetCountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	table, err := col.Counts(r.Context(), req.Entries, req.Specifications, req.CountGradients)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": table})
}

type addUserRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Permissions []string `json:"permissions"`
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	perms, err := models.ParsePermissions(req.Permissions)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.auth.AddUser(r.Context(), req.Username, req.Password, perms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"created": created})
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	removed, err := s.auth.RemoveUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// writeError maps the sentinel taxonomy onto status codes; anything untyped
// is logged and reported as a plain 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrDuplicate):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func callerFromRequest(r *http.Request) string {
	if username, _, ok := r.BasicAuth(); ok && username != "" {
		return username
	}
	return "default"
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs the HTTP server until the context is cancelled, then shuts
// down with a short drain window.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.HTTPPort,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
