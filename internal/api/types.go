package api

import (
	"time"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/execution"
	"swiss-sandbox/internal/sandbox"
	"swiss-sandbox/internal/workspace"
)

// CreateWorkspaceRequest creates a workspace, optionally seeded from a host
// directory under one of the allowed source roots.
type CreateWorkspaceRequest struct {
	ID         string           `json:"id"`
	SourcePath string           `json:"source_path,omitempty"`
	Config     workspace.Config `json:"config"`
}

// EnvironmentRequest merges variables and search path entries into a
// workspace.
type EnvironmentRequest struct {
	Vars       map[string]string `json:"vars,omitempty"`
	SearchPath []string          `json:"search_path,omitempty"`
}

// ExecutionRequest is the API-level request to execute code in a workspace.
type ExecutionRequest struct {
	WorkspaceID   string                  `json:"workspace_id"`
	Language      string                  `json:"language"` // python, shell, bash, render
	Code          string                  `json:"code"`
	Timeout       Duration                `json:"timeout,omitempty"`
	Limits        *ResourceLimits         `json:"limits,omitempty"`
	SecurityLevel string                  `json:"security_level,omitempty"`
	Render        execution.RenderOptions `json:"render,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits overrides the workspace defaults for one execution. Zero
// fields keep the default.
type ResourceLimits struct {
	MemoryMB   int64   `json:"memory_mb,omitempty"`
	CPUs       float64 `json:"cpus,omitempty"`
	Processes  int64   `json:"processes,omitempty"`
	FileSizeMB int64   `json:"file_size_mb,omitempty"`
}

func (l *ResourceLimits) toSandbox(timeout time.Duration) *sandbox.ResourceLimits {
	if l == nil && timeout == 0 {
		return nil
	}
	out := &sandbox.ResourceLimits{Timeout: timeout}
	if l != nil {
		out.MemoryMB = l.MemoryMB
		out.CPUs = l.CPUs
		out.Processes = l.Processes
		out.FileSizeMB = l.FileSizeMB
	}
	return out
}

// ExecutionResponse is the API-level view of one execution result.
type ExecutionResponse struct {
	ID        string            `json:"id"`
	Success   bool              `json:"success"`
	Output    string            `json:"output"`
	Error     string            `json:"error,omitempty"`
	ErrorKind sandbox.ErrorKind `json:"error_kind,omitempty"`
	Duration  string            `json:"duration"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

func newExecutionResponse(res *sandbox.ExecutionResult) ExecutionResponse {
	id, _ := res.Metadata["execution_id"].(string)
	return ExecutionResponse{
		ID:        id,
		Success:   res.Success,
		Output:    res.Output,
		Error:     res.Error,
		ErrorKind: res.ErrorKind,
		Duration:  res.Duration.String(),
		Artifacts: res.Artifacts,
		Metadata:  res.Metadata,
	}
}

// WriteFileRequest replaces the contents of a workspace file.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

type DirResponse struct {
	Path    string                `json:"path"`
	Entries []execution.FileEntry `json:"entries"`
}

// StatsResponse aggregates the three registries.
type StatsResponse struct {
	Executions  execution.Statistics `json:"executions"`
	Workspaces  workspace.Stats      `json:"workspaces"`
	Connections admission.Stats      `json:"connections"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Isolation   string `json:"isolation"`
	Database    bool   `json:"database"`
	Workspaces  int    `json:"workspaces"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}
