package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
	"github.com/ramiqadoumi/go-enrich-flow/services/scheduler"
)

// Runs is the part of the scheduler the API drives.
type Runs interface {
	Source(id string) (domain.SourceDescriptor, bool)
	Policy(name string) (scheduler.Policy, bool)
	MarkUsed(ctx context.Context, targetID, sourceID string) (bool, error)
	RunPolicy(ctx context.Context, p scheduler.Policy, trigger string) (domain.BatchRunReport, error)
	RunOnDemand(ctx context.Context, req scheduler.OnDemandRequest) (domain.BatchRunReport, error)
	LatestReport(policy string) (domain.BatchRunReport, bool)
}

// Tasks is the read side of the task queue.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
}

// Entries serves cached enrichment results.
type Entries interface {
	Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error)
}

// REST handles HTTP requests for the enrichment pipeline.
type REST struct {
	entries Entries
	runs    Runs
	tasks   Tasks
	quota   quota.Tracker
	logger  *slog.Logger
	now     func() time.Time

	// Triggered runs outlive their request; runCtx bounds them instead.
	runCtx context.Context
	wg     sync.WaitGroup
}

// NewREST creates a REST handler. Runs triggered over HTTP execute under
// runCtx.
func NewREST(runCtx context.Context, entries Entries, runs Runs, tasks Tasks, tracker quota.Tracker, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	return &REST{
		entries: entries,
		runs:    runs,
		tasks:   tasks,
		quota:   tracker,
		logger:  logger,
		now:     time.Now,
		runCtx:  runCtx,
	}
}

// Wait blocks until every run started over HTTP has finished.
func (h *REST) Wait() { h.wg.Wait() }

// EntryResponse is the GET /enrichments/{source}/{target} body.
type EntryResponse struct {
	*domain.CacheEntry
	Valid bool `json:"valid"`
}

// MarkUsedResponse is the POST /enrichments/{source}/{target}/use body.
type MarkUsedResponse struct {
	TargetID        string `json:"target_id"`
	SourceID        string `json:"source_id"`
	RefreshEnqueued bool   `json:"refresh_enqueued"`
}

// RunRequest is the POST /runs body. Either Policy or SourceID is required.
type RunRequest struct {
	Policy    string   `json:"policy,omitempty"`
	SourceID  string   `json:"source_id,omitempty"`
	TargetIDs []string `json:"target_ids,omitempty"`
	Kind      string   `json:"target_kind,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// RunAccepted is the 202 body of POST /runs.
type RunAccepted struct {
	Status  string `json:"status"`
	Policy  string `json:"policy,omitempty"`
	Source  string `json:"source_id,omitempty"`
	Targets int    `json:"targets,omitempty"`
}

// GetEntry handles GET /api/v1/enrichments/{source}/{target}.
func (h *REST) GetEntry(w http.ResponseWriter, r *http.Request) {
	sourceID, targetID := chi.URLParam(r, "source"), chi.URLParam(r, "target")

	entry, err := h.entries.Get(r.Context(), targetID, sourceID)
	if err != nil {
		if cache.IsMiss(err) {
			writeError(w, http.StatusNotFound, "no enrichment for target")
			return
		}
		h.logger.Error("read cache entry",
			slog.String("source_id", sourceID),
			slog.String("target_id", targetID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read enrichment")
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{CacheEntry: entry, Valid: cache.IsValid(entry, h.now())})
}

// MarkUsed handles POST /api/v1/enrichments/{source}/{target}/use.
func (h *REST) MarkUsed(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.mark_used")
	defer span.End()

	sourceID, targetID := chi.URLParam(r, "source"), chi.URLParam(r, "target")
	span.SetAttributes(attribute.String("source.id", sourceID), attribute.String("target.id", targetID))

	created, err := h.runs.MarkUsed(ctx, targetID, sourceID)
	if err != nil {
		var unknown *domain.UnknownSourceError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, unknown.Error())
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark used failed")
		h.logger.Error("mark used", slog.String("target_id", targetID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to mark target used")
		return
	}
	writeJSON(w, http.StatusAccepted, MarkUsedResponse{TargetID: targetID, SourceID: sourceID, RefreshEnqueued: created})
}

// TriggerRun handles POST /api/v1/runs. The batch runs in the background;
// its report appears under /reports/latest.
func (h *REST) TriggerRun(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("api").Start(r.Context(), "api.trigger_run")
	defer span.End()

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Policy = strings.TrimSpace(req.Policy)
	req.SourceID = strings.TrimSpace(req.SourceID)

	switch {
	case req.Policy != "" && req.SourceID != "":
		writeError(w, http.StatusBadRequest, "set either 'policy' or 'source_id', not both")
	case req.Policy != "":
		p, ok := h.runs.Policy(req.Policy)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown policy "+req.Policy)
			return
		}
		span.SetAttributes(attribute.String("run.policy", p.Name))
		h.background("policy "+p.Name, func(ctx context.Context) error {
			_, err := h.runs.RunPolicy(ctx, p, scheduler.TriggerOnDemand)
			return err
		})
		writeJSON(w, http.StatusAccepted, RunAccepted{Status: "accepted", Policy: p.Name})
	case req.SourceID != "":
		if _, ok := h.runs.Source(req.SourceID); !ok {
			writeError(w, http.StatusNotFound, (&domain.UnknownSourceError{SourceID: req.SourceID}).Error())
			return
		}
		if req.Limit < 0 {
			writeError(w, http.StatusBadRequest, "field 'limit' must not be negative")
			return
		}
		span.SetAttributes(attribute.String("run.source", req.SourceID), attribute.Int("run.targets", len(req.TargetIDs)))
		od := scheduler.OnDemandRequest{
			TargetIDs:  req.TargetIDs,
			TargetKind: req.Kind,
			SourceID:   req.SourceID,
			Limit:      req.Limit,
			Force:      req.Force,
		}
		h.background("on-demand "+req.SourceID, func(ctx context.Context) error {
			_, err := h.runs.RunOnDemand(ctx, od)
			return err
		})
		writeJSON(w, http.StatusAccepted, RunAccepted{Status: "accepted", Source: req.SourceID, Targets: len(req.TargetIDs)})
	default:
		writeError(w, http.StatusBadRequest, "field 'policy' or 'source_id' is required")
	}
}

func (h *REST) background(name string, run func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := run(h.runCtx); err != nil {
			h.logger.Error("triggered run failed", slog.String("run", name), slog.String("error", err.Error()))
		}
	}()
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := h.tasks.Get(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks?status=failed&limit=50.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "query 'status' must be one of pending, in_progress, completed, failed, skipped")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "query 'limit' must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	tasks, err := h.tasks.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("list tasks", slog.String("status", string(status)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "tasks": tasks})
}

// GetQuota handles GET /api/v1/quota/{source}.
func (h *REST) GetQuota(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source")
	usage, err := h.quota.Stats(r.Context(), sourceID)
	if err != nil {
		var unknown *domain.UnknownSourceError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, unknown.Error())
			return
		}
		h.logger.Error("quota stats", slog.String("source_id", sourceID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// LatestReport handles GET /api/v1/reports/latest[?policy=name].
func (h *REST) LatestReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.runs.LatestReport(r.URL.Query().Get("policy"))
	if !ok {
		writeError(w, http.StatusNotFound, "no batch run reported yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
