package policy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/isolation"
)

// ErrNotIsolated is returned for operations that need a container handle.
var ErrNotIsolated = errors.New("workspace is not container-isolated")

// Workspace is the part of a workspace the engine needs.
type Workspace interface {
	Root() string
	Container() *isolation.Handle
}

// Kind classifies an Operation.
type Kind string

const (
	KindFile    Kind = "file"
	KindCommand Kind = "command"
	KindNetwork Kind = "network"
)

// Action is the file operation being attempted.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Operation is the unit ValidateOperation decides on.
type Operation struct {
	Kind    Kind
	Action  Action
	Path    string
	Size    int64 // payload size for writes, -1 when unknown
	Command string
	Host    string
}

// Engine is a compiled Policy. It is safe for concurrent use.
type Engine struct {
	level    Level
	policy   Policy
	provider isolation.Provider
	inspect  *Inspector

	blockedPaths    []string
	blockedCommands map[string]struct{}
	patterns        []*regexp.Regexp
	protected       map[string]struct{}
	allowedDomains  map[string]struct{}
	blockedDomains  map[string]struct{}
}

// NewEngine compiles p. provider may be nil, in which case the resource
// operations report failure.
func NewEngine(level Level, p Policy, provider isolation.Provider) (*Engine, error) {
	e := &Engine{
		level:           level,
		policy:          p,
		provider:        provider,
		inspect:         NewInspector(),
		blockedCommands: toSet(p.BlockedCommands, false),
		protected:       toSet(p.ProtectedFiles, false),
		allowedDomains:  toSet(p.AllowedDomains, true),
		blockedDomains:  toSet(p.BlockedDomains, true),
	}
	for _, bp := range p.BlockedPaths {
		if bp == "" {
			continue
		}
		e.blockedPaths = append(e.blockedPaths, filepath.Clean(bp))
	}
	for _, expr := range p.DangerousPatterns {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("compile dangerous pattern %q: %w", expr, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func toSet(items []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if lower {
			it = strings.ToLower(it)
		}
		set[it] = struct{}{}
	}
	return set
}

func (e *Engine) Level() Level { return e.level }

// Policy returns a copy of the compiled policy.
func (e *Engine) Policy() Policy {
	p := e.policy
	p.BlockedPaths = append([]string(nil), p.BlockedPaths...)
	p.BlockedCommands = append([]string(nil), p.BlockedCommands...)
	p.DangerousPatterns = append([]string(nil), p.DangerousPatterns...)
	p.ProtectedFiles = append([]string(nil), p.ProtectedFiles...)
	p.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	p.BlockedDomains = append([]string(nil), p.BlockedDomains...)
	return p
}

// ValidatePath reports whether path stays inside the workspace root and
// avoids every blocked prefix. Relative paths resolve against the root.
func (e *Engine) ValidatePath(path string, ws Workspace) bool {
	if ws == nil || ws.Root() == "" || path == "" {
		return false
	}
	root, err := canonical(ws.Root())
	if err != nil {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(ws.Root(), path)
	}
	target, err := canonical(path)
	if err != nil {
		return false
	}

	if !within(root, target) {
		log.Warn().Str("path", path).Str("root", root).Msg("path escapes workspace")
		return false
	}
	if e.isBlockedPath(target) || e.isBlockedPath(filepath.Clean(path)) {
		log.Warn().Str("path", path).Msg("blocked path")
		return false
	}
	return true
}

func (e *Engine) isBlockedPath(p string) bool {
	for _, bp := range e.blockedPaths {
		if within(bp, p) {
			return true
		}
	}
	return false
}

// within reports whether p equals base or lies below it.
func within(base, p string) bool {
	if p == base {
		return true
	}
	if base == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}

// canonical makes p absolute and resolves symlinks on its longest existing
// prefix. The non-existent remainder is appended unchanged.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

// ValidateFileOperation checks a read, write or delete of path. Writes are
// limited by the size of any existing target.
func (e *Engine) ValidateFileOperation(action Action, path string, ws Workspace) bool {
	return e.validateFile(action, path, -1, ws)
}

// ValidateWrite checks a write of size bytes to path.
func (e *Engine) ValidateWrite(path string, size int64, ws Workspace) bool {
	return e.validateFile(ActionWrite, path, size, ws)
}

func (e *Engine) validateFile(action Action, path string, size int64, ws Workspace) bool {
	if !e.ValidatePath(path, ws) {
		return false
	}
	switch action {
	case ActionRead:
		return true
	case ActionWrite:
		max := e.policy.MaxFileSizeBytes
		if max <= 0 {
			return true
		}
		if size > max {
			log.Warn().Str("path", path).Int64("size", size).Int64("max", max).Msg("write exceeds max file size")
			return false
		}
		if info, err := os.Stat(e.resolve(path, ws)); err == nil && info.Size() > max {
			log.Warn().Str("path", path).Int64("size", info.Size()).Int64("max", max).Msg("target exceeds max file size")
			return false
		}
		return true
	case ActionDelete:
		rel, err := filepath.Rel(ws.Root(), e.resolve(path, ws))
		if err != nil {
			return false
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if _, ok := e.protected[part]; ok {
				log.Warn().Str("path", path).Msg("refusing to delete protected file")
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (e *Engine) resolve(path string, ws Workspace) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(ws.Root(), path)
}

// ValidateNetworkAccess reports whether an outbound connection to host is
// permitted. host may carry a port or IPv6 brackets.
func (e *Engine) ValidateNetworkAccess(host string) bool {
	if !e.policy.AllowNetwork {
		log.Warn().Str("host", host).Msg("network access denied by policy")
		return false
	}
	h := normalizeHost(host)
	if h == "" {
		return false
	}
	if _, ok := e.blockedDomains[h]; ok {
		log.Warn().Str("host", h).Msg("blocked domain")
		return false
	}
	if len(e.allowedDomains) > 0 {
		if _, ok := e.allowedDomains[h]; !ok {
			log.Warn().Str("host", h).Msg("domain not in allow list")
			return false
		}
	}
	return true
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}

// ValidateOperation dispatches on op.Kind. Unknown kinds are denied.
func (e *Engine) ValidateOperation(op Operation, ws Workspace) bool {
	var ok bool
	switch op.Kind {
	case KindFile:
		if op.Action == ActionWrite && op.Size >= 0 {
			ok = e.ValidateWrite(op.Path, op.Size, ws)
		} else {
			ok = e.ValidateFileOperation(op.Action, op.Path, ws)
		}
	case KindCommand:
		ok = e.ValidateCommand(op.Command, ws)
	case KindNetwork:
		ok = e.ValidateNetworkAccess(op.Host)
	default:
		log.Warn().Str("kind", string(op.Kind)).Msg("unknown operation kind")
		ok = false
	}
	return ok
}
