package storage

import (
	"time"

	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
)

const maxStoredOutput = 65535

// Execution is one row of the executions audit table.
type Execution struct {
	ID             string    `json:"id" db:"id"`
	ContextID      string    `json:"context_id" db:"context_id"`
	Language       string    `json:"language" db:"language"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	CodeSize       int       `json:"code_size" db:"code_size"`
	Status         string    `json:"status" db:"status"` // success, error, timeout, security
	ErrorKind      string    `json:"error_kind,omitempty" db:"error_kind"`
	Error          string    `json:"error,omitempty" db:"error"`
	ExitCode       *int      `json:"exit_code,omitempty" db:"exit_code"`
	Output         string    `json:"output" db:"output"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	Artifacts      int       `json:"artifacts" db:"artifacts"`
	SecurityEvents int       `json:"security_events" db:"security_events"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SecurityEventRecord stores one detection for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	ContextID string
	Language  string
	Status    string
	Limit     int
	Offset    int
}

// FromRecord flattens an execution record into its audit row and the
// detections attached to its result.
func FromRecord(rec *sandbox.ExecutionRecord) (*Execution, []SecurityEventRecord) {
	row := &Execution{
		ID:        rec.ID,
		ContextID: rec.ContextID,
		Language:  rec.Language,
		CodeHash:  rec.CodeHash,
		CodeSize:  len(rec.Code),
		CreatedAt: rec.Timestamp,
	}
	res := rec.Result
	if res == nil {
		row.Status = "error"
		return row, nil
	}

	row.Status = res.Status()
	row.ErrorKind = string(res.ErrorKind)
	row.Error = truncateForDB(res.Error, maxStoredOutput)
	row.Output = truncateForDB(res.Output, maxStoredOutput)
	row.DurationMS = res.Duration.Milliseconds()
	row.Artifacts = len(res.Artifacts)
	if code, ok := res.Metadata["exit_code"].(int); ok {
		row.ExitCode = &code
	}

	var events []SecurityEventRecord
	for _, key := range []string{"detections", "security_events"} {
		dets, _ := res.Metadata[key].([]policy.Detection)
		for _, d := range dets {
			events = append(events, SecurityEventRecord{
				ExecutionID: rec.ID,
				Type:        d.Pattern,
				Severity:    d.Severity,
				Detail:      d.Detail,
				Line:        d.Line,
				CreatedAt:   rec.Timestamp,
			})
		}
	}
	row.SecurityEvents = len(events)
	return row, events
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
