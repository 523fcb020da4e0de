package sandbox

import (
	"time"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/policy"
)

// ErrorKind classifies a failed execution. Every kind is reported as data.
type ErrorKind string

const (
	KindNone     ErrorKind = ""
	KindSyntax   ErrorKind = "SyntaxError"
	KindName     ErrorKind = "NameError"
	KindRuntime  ErrorKind = "RuntimeError"
	KindCommand  ErrorKind = "CommandError"
	KindTimeout  ErrorKind = "TimeoutError"
	KindSecurity ErrorKind = "SecurityError"
)

// ExecutionContext binds one workspace to the limits, level and environment
// an execution runs with. Env and SearchPath are copies owned by the context.
type ExecutionContext struct {
	WorkspaceID   string            `json:"workspace_id"`
	WorkspaceRoot string            `json:"workspace_root"`
	ArtifactsDir  string            `json:"artifacts_dir"`
	Limits        ResourceLimits    `json:"limits"`
	SecurityLevel policy.Level      `json:"security_level"`
	Env           map[string]string `json:"env"`
	SearchPath    []string          `json:"search_path,omitempty"`
	Isolation     isolation.Mode    `json:"isolation"`
	Handle        *isolation.Handle `json:"container,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Root implements policy.Workspace.
func (c *ExecutionContext) Root() string { return c.WorkspaceRoot }

// Container implements policy.Workspace.
func (c *ExecutionContext) Container() *isolation.Handle { return c.Handle }

// Environ returns the context env as KEY=VALUE pairs.
func (c *ExecutionContext) Environ() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// ExecutionResult is the outcome of one execution. It is not modified after
// the engine returns it.
type ExecutionResult struct {
	Success   bool           `json:"success"`
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionRecord is one history entry.
type ExecutionRecord struct {
	ID        string           `json:"id"`
	Code      string           `json:"code"`
	CodeHash  string           `json:"code_hash"`
	Language  string           `json:"language"`
	ContextID string           `json:"context_id"`
	Result    *ExecutionResult `json:"result"`
	Timestamp time.Time        `json:"timestamp"`
}

// Clone returns a copy that shares nothing mutable with r. Metadata values
// are copied shallowly.
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Artifacts != nil {
		cp.Artifacts = append([]string(nil), r.Artifacts...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Status is the short label used for metrics and the audit table.
func (r *ExecutionResult) Status() string {
	switch {
	case r.Success:
		return "success"
	case r.ErrorKind == KindTimeout:
		return "timeout"
	case r.ErrorKind == KindSecurity:
		return "security"
	default:
		return "error"
	}
}
