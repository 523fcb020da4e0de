package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/config"
	"swiss-sandbox/internal/execution"
	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/monitor"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
	"swiss-sandbox/internal/storage"
	"swiss-sandbox/internal/workspace"
)

type Handlers struct {
	cfg        *config.Config
	admission  *admission.Manager
	workspaces *workspace.Manager
	engine     *execution.Engine
	policies   *policy.Manager
	db         *storage.DB
	metrics    *monitor.Metrics
}

func NewHandlers(cfg *config.Config, adm *admission.Manager, workspaces *workspace.Manager, engine *execution.Engine, policies *policy.Manager, db *storage.DB, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		cfg:        cfg,
		admission:  adm,
		workspaces: workspaces,
		engine:     engine,
		policies:   policies,
		db:         db,
		metrics:    metrics,
	}
}

func (h *Handlers) HandleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()[:8]
	}
	if !h.cfg.SourceAllowed(req.SourcePath) {
		writeError(w, "source path is outside the allowed source roots", "SOURCE_FORBIDDEN", http.StatusForbidden, r)
		return
	}
	if req.Config.SecurityLevel != "" {
		if _, err := policy.ParseLevel(string(req.Config.SecurityLevel)); err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	ws, err := h.workspaces.Create(r.Context(), req.ID, req.SourcePath, req.Config)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, ws.Info())
	case errors.Is(err, workspace.ErrDuplicateWorkspace):
		writeError(w, err.Error(), "WORKSPACE_EXISTS", http.StatusConflict, r)
	case errors.Is(err, workspace.ErrInvalidWorkspaceID):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, workspace.ErrCapacity):
		writeError(w, err.Error(), "CAPACITY", http.StatusServiceUnavailable, r)
	case errors.Is(err, os.ErrNotExist):
		writeError(w, "source path does not exist", "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).Str("workspace", req.ID).Str("request_id", RequestIDFromContext(r.Context())).Msg("workspace creation failed")
		writeError(w, "workspace creation failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workspaces.List())
}

func (h *Handlers) HandleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	info, ok := h.workspaces.Status(r.PathValue("id"))
	if !ok {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) HandleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if !h.workspaces.Cleanup(r.Context(), r.PathValue("id")) {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if !h.workspaces.SetupEnvironment(id, req.Vars, req.SearchPath) {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	info, _ := h.workspaces.Status(id)
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) HandleWorkspaceUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.workspaces.Usage(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stats)
	case errors.Is(err, workspace.ErrWorkspaceNotFound):
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, policy.ErrNotIsolated), errors.Is(err, isolation.ErrUnavailable):
		writeError(w, err.Error(), "NOT_ISOLATED", http.StatusConflict, r)
	default:
		writeError(w, err.Error(), "PROVIDER_ERROR", http.StatusBadGateway, r)
	}
}

// HandleWorkspaceSecurity reports the effective policy and isolation of a
// workspace.
func (h *Handlers) HandleWorkspaceSecurity(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspaces.Get(r.PathValue("id"))
	if !ok {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	level := ws.Config().Level()
	writeJSON(w, http.StatusOK, h.policies.Engine(level).Status(r.Context(), ws))
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, "workspace_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Timeout.Duration < 0 || req.Timeout.Duration > h.cfg.Execution.MaxTimeout {
		writeError(w, fmt.Sprintf("timeout must be between 0 and %s", h.cfg.Execution.MaxTimeout), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	var level policy.Level
	if req.SecurityLevel != "" {
		var err error
		if level, err = policy.ParseLevel(req.SecurityLevel); err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	if level != "" {
		if info, ok := h.workspaces.Status(req.WorkspaceID); ok && level.Weaker(info.Config.Level()) {
			writeError(w, fmt.Sprintf("security_level %s is weaker than the workspace level %s", level, info.Config.Level()), "LEVEL_DOWNGRADE", http.StatusForbidden, r)
			return
		}
	}

	limits := req.Limits.toSandbox(req.Timeout.Duration)
	if limits != nil {
		if err := limits.Validate(); err != nil {
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
	}

	ectx, ok := h.workspaces.CreateExecutionContext(req.WorkspaceID, limits, level)
	if !ok {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	var res *sandbox.ExecutionResult
	if req.Language == execution.LanguageRender {
		res = h.engine.ExecuteRender(r.Context(), req.Code, ectx, req.Render)
	} else {
		res = h.engine.Execute(r.Context(), req.Code, req.Language, ectx)
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(res))
}

// fileContext resolves the workspace named in the path to an execution
// context at the workspace's own level.
func (h *Handlers) fileContext(w http.ResponseWriter, r *http.Request) (*sandbox.ExecutionContext, bool) {
	ectx, ok := h.workspaces.CreateExecutionContext(r.PathValue("id"), nil, "")
	if !ok {
		writeError(w, "workspace not found", "NOT_FOUND", http.StatusNotFound, r)
		return nil, false
	}
	return ectx, true
}

func (h *Handlers) HandleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, "path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	ectx, ok := h.fileContext(w, r)
	if !ok {
		return
	}
	data, err := h.engine.ReadFile(r.Context(), ectx, path)
	if err != nil {
		writeFileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{Path: path, Content: string(data), Size: len(data)})
}

func (h *Handlers) HandleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req WriteFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, "path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	ectx, ok := h.fileContext(w, r)
	if !ok {
		return
	}
	if err := h.engine.WriteFile(r.Context(), ectx, req.Path, []byte(req.Content)); err != nil {
		writeFileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{Path: req.Path, Size: len(req.Content)})
}

func (h *Handlers) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, "path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	ectx, ok := h.fileContext(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteFile(r.Context(), ectx, path); err != nil {
		writeFileError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListDir(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	ectx, ok := h.fileContext(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.ListDir(r.Context(), ectx, path)
	if err != nil {
		writeFileError(w, r, err)
		return
	}
	if path == "" {
		path = "."
	}
	writeJSON(w, http.StatusOK, DirResponse{Path: path, Entries: entries})
}

func writeFileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sandbox.ErrSecurityViolation):
		writeError(w, err.Error(), "SECURITY_BLOCKED", http.StatusForbidden, r)
	case errors.Is(err, os.ErrNotExist):
		writeError(w, "file not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, sandbox.ErrInvalidRequest):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("file operation failed")
		writeError(w, "file operation failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

// HandleListExecutions serves the in-memory history, or the audit table
// when source=audit and a database is configured.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = n
	}

	if q.Get("source") == "audit" {
		if h.db == nil {
			writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		execs, err := h.db.ListExecutions(r.Context(), storage.ExecutionFilter{
			ContextID: q.Get("workspace_id"),
			Language:  q.Get("language"),
			Status:    q.Get("status"),
			Limit:     limit,
		})
		if err != nil {
			log.Error().Err(err).Msg("audit query failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		writeJSON(w, http.StatusOK, execs)
		return
	}

	records := h.engine.History(execution.HistoryFilter{
		ContextID: q.Get("workspace_id"),
		Language:  q.Get("language"),
		Limit:     limit,
	})
	if records == nil {
		records = []sandbox.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, rec := range h.engine.History(execution.HistoryFilter{}) {
		if rec.ID == id {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	if h.db != nil {
		if exec, err := h.db.GetExecution(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, exec)
			return
		}
	}
	writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Executions:  h.engine.Statistics(),
		Workspaces:  h.workspaces.Stats(),
		Connections: h.admission.ConnectionStats(),
	})
}

func (h *Handlers) HandleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admission.ConnectionStats())
}

func (h *Handlers) HandleListContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ActiveContexts())
}

func (h *Handlers) HandleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if !h.engine.CleanupContext(r.PathValue("id")) {
		writeError(w, "context not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": h.engine.Languages()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
