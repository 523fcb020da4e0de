// Package workspace creates, tracks, evicts and destroys the filesystem
// roots executions run in, optionally backed by a container.
package workspace

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/policy"
)

var (
	ErrDuplicateWorkspace = errors.New("workspace already exists")
	ErrInvalidWorkspaceID = errors.New("invalid workspace id")
)

// DuplicateWorkspaceError is returned by Create for an id that is active or
// being created.
type DuplicateWorkspaceError struct {
	ID string
}

func (e *DuplicateWorkspaceError) Error() string {
	return fmt.Sprintf("workspace %q already exists", e.ID)
}

func (e *DuplicateWorkspaceError) Unwrap() error {
	return ErrDuplicateWorkspace
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

func validateID(id string) error {
	if !validID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidWorkspaceID, id)
	}
	return nil
}

type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
)

// Config controls how a workspace is isolated.
type Config struct {
	UseIsolation  bool         `json:"use_isolation"`
	UseDocker     bool         `json:"use_docker"`
	Image         string       `json:"image,omitempty"`
	CPULimit      float64      `json:"cpu_limit,omitempty"`
	MemoryMB      int64        `json:"memory_mb,omitempty"`
	Processes     int64        `json:"processes,omitempty"`
	Network       bool         `json:"network"`
	SecurityLevel policy.Level `json:"security_level,omitempty"`
}

// Level is the security level executions in the workspace run at, at
// least.
func (c Config) Level() policy.Level {
	if c.SecurityLevel == "" {
		return policy.DefaultLevel
	}
	return c.SecurityLevel
}

// Workspace is one live filesystem root. Fields change only through the
// Manager.
type Workspace struct {
	id        string
	root      string
	source    string
	cfg       Config
	createdAt time.Time

	mu             sync.RWMutex
	status         Status
	mode           isolation.Mode
	degradedReason string
	handle         *isolation.Handle
	env            map[string]string
	searchPath     []string
	flags          map[string]string
	lastAccessed   time.Time
}

func (w *Workspace) ID() string     { return w.id }
func (w *Workspace) Root() string   { return w.root }
func (w *Workspace) Source() string { return w.source }
func (w *Workspace) Config() Config { return w.cfg }

// Container implements policy.Workspace.
func (w *Workspace) Container() *isolation.Handle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handle
}

func (w *Workspace) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Workspace) Isolation() isolation.Mode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

func (w *Workspace) LastAccessed() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastAccessed
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastAccessed = now
	w.mu.Unlock()
}

// Info is a point-in-time copy of a workspace.
type Info struct {
	ID             string            `json:"id"`
	Root           string            `json:"root"`
	Source         string            `json:"source,omitempty"`
	Status         Status            `json:"status"`
	Isolation      isolation.Mode    `json:"isolation"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	Container      *isolation.Handle `json:"container,omitempty"`
	Config         Config            `json:"config"`
	Env            map[string]string `json:"env,omitempty"`
	SearchPath     []string          `json:"search_path,omitempty"`
	Flags          map[string]string `json:"flags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessed   time.Time         `json:"last_accessed"`
}

func (w *Workspace) Info() Info {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info := Info{
		ID:             w.id,
		Root:           w.root,
		Source:         w.source,
		Status:         w.status,
		Isolation:      w.mode,
		DegradedReason: w.degradedReason,
		Config:         w.cfg,
		Env:            copyMap(w.env),
		SearchPath:     append([]string(nil), w.searchPath...),
		Flags:          copyMap(w.flags),
		CreatedAt:      w.createdAt,
		LastAccessed:   w.lastAccessed,
	}
	if w.handle != nil {
		h := *w.handle
		info.Container = &h
	}
	return info
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
