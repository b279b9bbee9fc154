// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reelforge/src/blob"
	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/stage"
	"reelforge/src/store"
)

// GlobalStats represents system-wide pipeline metrics
type GlobalStats struct {
	TotalTasks     int     `json:"total_tasks"`
	ActiveTasks    int     `json:"active_tasks"`
	ReviewTasks    int     `json:"review_tasks"`
	PublishedTasks int     `json:"published_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	QueuedRuns     int     `json:"queued_runs"`
	RunningRuns    int     `json:"running_runs"`
	AvgStageSec    float64 `json:"avg_stage_seconds"`
	ThroughputRuns float64 `json:"throughput_runs_per_hour"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	db    *sql.DB
	store store.Store
	blob  blob.ObjectStore
	svc   *stage.Service
	stats *logging.WorkerStats
}

// StartAPIServer starts the HTTP server with graceful shutdown and OTel
func StartAPIServer(port string, db *sql.DB, st store.Store, ob blob.ObjectStore, svc *stage.Service, workerStats *logging.WorkerStats) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	srv := &APIServer{db: db, store: st, blob: ob, svc: svc, stats: workerStats}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /status", srv.statusHandler)
	mux.HandleFunc("GET /global-status", srv.globalStatusHandler)

	mux.HandleFunc("POST /tasks", srv.createTaskHandler)
	mux.HandleFunc("GET /tasks", srv.listTasksHandler)
	mux.HandleFunc("GET /tasks/{id}", srv.getTaskHandler)
	mux.HandleFunc("POST /tasks/{id}/upload", srv.uploadHandler)
	mux.HandleFunc("GET /tasks/{id}/artifacts", srv.listArtifactsHandler)
	mux.HandleFunc("GET /tasks/{id}/artifacts/{kind}/download", srv.downloadArtifactHandler)
	mux.HandleFunc("GET /tasks/{id}/runs", srv.listRunsHandler)
	mux.HandleFunc("POST /tasks/{id}/stages/{stage}", srv.triggerStageHandler)
	mux.HandleFunc("POST /tasks/{id}/approve", srv.approveHandler)
	mux.HandleFunc("POST /tasks/{id}/reject", srv.rejectHandler)
	mux.HandleFunc("POST /tasks/{id}/cancel", srv.cancelHandler)
	mux.HandleFunc("POST /tasks/{id}/retry", srv.retryHandler)

	mux.HandleFunc("GET /policy", srv.getPolicyHandler)
	mux.HandleFunc("PUT /policy", srv.putPolicyHandler)
	mux.HandleFunc("GET /sources", srv.listSourcesHandler)
	mux.HandleFunc("POST /sources", srv.addSourceHandler)

	otelHandler := otelhttp.NewHandler(mux, "pipeline-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store and stage errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var se *model.StageError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrStale):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &se):
		status := http.StatusInternalServerError
		switch se.Kind {
		case model.ErrValidation:
			status = http.StatusBadRequest
		case model.ErrConflict:
			status = http.StatusConflict
		case model.ErrPrecondition:
			status = http.StatusPreconditionFailed
		}
		writeJSON(w, status, map[string]string{"error": se.Message, "kind": string(se.Kind)})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func pathTaskID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	var gs GlobalStats

	// Combined query so the dashboard costs one round trip.
	query := `
		WITH task_counts AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status NOT IN ('PUBLISHED', 'CANCELED', 'FAILED', 'READY_FOR_REVIEW')) AS active,
				COUNT(*) FILTER (WHERE status = 'READY_FOR_REVIEW') AS review,
				COUNT(*) FILTER (WHERE status = 'PUBLISHED') AS published,
				COUNT(*) FILTER (WHERE status = 'FAILED') AS failed
			FROM tasks
		),
		run_counts AS (
			SELECT
				COUNT(*) FILTER (WHERE status = 'queued') AS queued,
				COUNT(*) FILTER (WHERE status = 'running') AS running,
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))) FILTER (WHERE status = 'succeeded'), 0) AS avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE finished_at > NOW() - INTERVAL '1 hour'), 0) AS throughput
			FROM stage_runs
		)
		SELECT * FROM task_counts, run_counts;
	`

	err := s.db.QueryRowContext(r.Context(), query).Scan(
		&gs.TotalTasks, &gs.ActiveTasks, &gs.ReviewTasks,
		&gs.PublishedTasks, &gs.FailedTasks,
		&gs.QueuedRuns, &gs.RunningRuns, &gs.AvgStageSec, &gs.ThroughputRuns,
	)
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, gs)
}

type createTaskRequest struct {
	Source     model.SourceDescriptor `json:"source"`
	Priority   int                    `json:"priority"`
	Translate  bool                   `json:"translate"`
	Render     bool                   `json:"render"`
	Publish    bool                   `json:"publish"`
	TargetLang string                 `json:"target_lang"`
	CreatedBy  string                 `json:"created_by"`
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Validationf("invalid body: %v", err))
		return
	}
	switch req.Source.Type {
	case model.SourceLocalUpload:
	case model.SourceExternalURL:
		if req.Source.URL == "" {
			writeError(w, model.Validationf("external_url source requires url"))
			return
		}
	default:
		writeError(w, model.Validationf("source type %q is not one of local_upload, external_url", req.Source.Type))
		return
	}
	switch req.Source.License {
	case model.LicenseOwn, model.LicenseAuthorized, model.LicenseCC, model.LicenseUnknown:
	case "":
		req.Source.License = model.LicenseUnknown
	default:
		writeError(w, model.Validationf("unknown license %q", req.Source.License))
		return
	}
	if req.Translate && req.TargetLang == "" {
		writeError(w, model.Validationf("translate requires target_lang"))
		return
	}

	task := &model.Task{
		Source:     req.Source,
		Priority:   req.Priority,
		Translate:  req.Translate,
		Render:     req.Render,
		Publish:    req.Publish,
		TargetLang: req.TargetLang,
		CreatedBy:  req.CreatedBy,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.store.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// uploadHandler receives the media for local_upload tasks and records it as
// the raw video artifact.
func (s *APIServer) uploadHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Source.Type != model.SourceLocalUpload {
		writeError(w, model.Conflictf("task %s is not a local upload", id))
		return
	}
	if task.Status != model.TaskCreated {
		writeError(w, model.Conflictf("task %s already progressed to %s", id, task.Status))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	key := blob.Key(blob.DomainRaw, id, blob.GenerationName("upload.mp4"))
	h := sha256.New()
	if err := s.blob.Put(r.Context(), key, io.TeeReader(r.Body, h), r.ContentLength, contentType); err != nil {
		writeError(w, err)
		return
	}
	a := &model.Artifact{
		TaskID:     id,
		Kind:       model.ArtifactRawVideo,
		StorageKey: key,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		SizeBytes:  r.ContentLength,
	}
	if err := s.store.AddArtifact(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *APIServer) listArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	arts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arts)
}

func (s *APIServer) downloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	kind := model.ArtifactKind(r.PathValue("kind"))
	a, err := s.store.LatestArtifact(r.Context(), id, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.blob.Get(r.Context(), a.StorageKey)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.StorageKey))
	_, _ = io.Copy(w, rc)
}

func (s *APIServer) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.RunsForTask(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// triggerStageHandler is the manual stage trigger. The body, when present,
// is a parameter override for this invocation only.
func (s *APIServer) triggerStageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	st := model.Stage(r.PathValue("stage"))
	var override json.RawMessage
	if r.ContentLength != 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, model.Validationf("read body: %v", err))
			return
		}
		if len(body) > 0 {
			override = body
		}
	}
	run, created, err := s.svc.Enqueue(r.Context(), id, st, override)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, run)
}

func (s *APIServer) approveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	if err := s.store.TransitionTask(r.Context(), id, model.TaskReadyForReview, model.TaskApproved); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Approval is the one human gate; past it the policy may take over.
	profile := s.svc.Policy(r.Context(), model.DefaultPolicyName)
	if task.Publish && profile.AutoEnabled(model.StagePublish) {
		if _, _, err := s.svc.Enqueue(r.Context(), id, model.StagePublish, nil); err != nil {
			logging.Logf(slog.LevelWarn, "auto publish after approve for %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) rejectHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "rejected in review"
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Status != model.TaskReadyForReview {
		writeError(w, model.Conflictf("task %s is %s, not READY_FOR_REVIEW", id, task.Status))
		return
	}
	// Rejection parks the task; retry re-enters review after the operator
	// re-runs whatever stage produced the bad output.
	if err := s.store.FailTask(r.Context(), id, model.TaskReadyForReview, "review_rejected", body.Reason, false); err != nil {
		writeError(w, err)
		return
	}
	task, _ = s.store.GetTask(r.Context(), id)
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	if err := s.store.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	task, _ := s.store.GetTask(r.Context(), id)
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) retryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, model.Validationf("invalid task id"))
		return
	}
	task, err := s.store.RetryTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Policy(r.Context(), model.DefaultPolicyName))
}

func (s *APIServer) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var p model.PolicyProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, model.Validationf("invalid body: %v", err))
		return
	}
	if p.Name == "" {
		p.Name = model.DefaultPolicyName
	}
	if err := p.Validate(); err != nil {
		writeError(w, model.Validationf("%v", err))
		return
	}
	if err := s.store.PutPolicy(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *APIServer) listSourcesHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListSources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *APIServer) addSourceHandler(w http.ResponseWriter, r *http.Request) {
	var e model.SourceEntry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, model.Validationf("invalid body: %v", err))
		return
	}
	if e.URLPrefix == "" {
		writeError(w, model.Validationf("url_prefix is required"))
		return
	}
	switch e.License {
	case model.LicenseOwn, model.LicenseAuthorized, model.LicenseCC:
	default:
		writeError(w, model.Validationf("allow-list entries require an own, authorized or cc license"))
		return
	}
	if err := s.store.AddSource(r.Context(), &e); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &e)
}
