package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
)

// FileEntry is one directory listing entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// resolvePath maps p onto the host filesystem. Relative paths are taken
// from the workspace root and, for container workspaces, /workspace paths
// are mapped onto it.
func resolvePath(ectx *sandbox.ExecutionContext, p string) string {
	if ectx.Handle != nil {
		if p == isolation.MountPath {
			return ectx.WorkspaceRoot
		}
		if rel, ok := strings.CutPrefix(p, isolation.MountPath+"/"); ok {
			return filepath.Join(ectx.WorkspaceRoot, filepath.FromSlash(rel))
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(ectx.WorkspaceRoot, p)
}

// authorize runs op through the context's policy engine. No engine means
// file and network access are refused.
func (e *Engine) authorize(ectx *sandbox.ExecutionContext, op policy.Operation) error {
	eng := e.policyFor(ectx)
	if eng == nil {
		return fmt.Errorf("%w: no security policy attached", sandbox.ErrSecurityViolation)
	}
	if eng.ValidateOperation(op, ectx) {
		return nil
	}
	e.metrics.RecordPolicyDenial(string(op.Kind))

	target := op.Path
	switch op.Kind {
	case policy.KindNetwork:
		target = op.Host
	case policy.KindCommand:
		target = op.Command
	}
	if op.Action != "" {
		return fmt.Errorf("%w: %s %s %q denied", sandbox.ErrSecurityViolation, op.Kind, op.Action, target)
	}
	return fmt.Errorf("%w: %s %q denied", sandbox.ErrSecurityViolation, op.Kind, target)
}

func (e *Engine) ReadFile(_ context.Context, ectx *sandbox.ExecutionContext, path string) ([]byte, error) {
	if ectx == nil {
		return nil, fmt.Errorf("%w: no execution context", sandbox.ErrInvalidRequest)
	}
	host := resolvePath(ectx, path)
	if err := e.authorize(ectx, policy.Operation{Kind: policy.KindFile, Action: policy.ActionRead, Path: host, Size: -1}); err != nil {
		return nil, err
	}

	f, err := os.Open(host)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limit := e.readLimit(ectx)
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", sandbox.ErrInvalidRequest, path, limit)
	}
	return data, nil
}

func (e *Engine) readLimit(ectx *sandbox.ExecutionContext) int64 {
	if ectx.Limits.FileSizeMB > 0 {
		return ectx.Limits.FileSizeMB << 20
	}
	return int64(e.opts.MaxOutputBytes)
}

func (e *Engine) WriteFile(_ context.Context, ectx *sandbox.ExecutionContext, path string, data []byte) error {
	if ectx == nil {
		return fmt.Errorf("%w: no execution context", sandbox.ErrInvalidRequest)
	}
	host := resolvePath(ectx, path)
	op := policy.Operation{Kind: policy.KindFile, Action: policy.ActionWrite, Path: host, Size: int64(len(data))}
	if err := e.authorize(ectx, op); err != nil {
		return err
	}
	if ectx.Limits.FileSizeMB > 0 && int64(len(data)) > ectx.Limits.FileSizeMB<<20 {
		return fmt.Errorf("%w: payload exceeds %dMB", sandbox.ErrSecurityViolation, ectx.Limits.FileSizeMB)
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	return os.WriteFile(host, data, 0o644)
}

func (e *Engine) DeleteFile(_ context.Context, ectx *sandbox.ExecutionContext, path string) error {
	if ectx == nil {
		return fmt.Errorf("%w: no execution context", sandbox.ErrInvalidRequest)
	}
	host := resolvePath(ectx, path)
	if filepath.Clean(host) == filepath.Clean(ectx.WorkspaceRoot) {
		return fmt.Errorf("%w: cannot delete the workspace root", sandbox.ErrSecurityViolation)
	}
	if err := e.authorize(ectx, policy.Operation{Kind: policy.KindFile, Action: policy.ActionDelete, Path: host, Size: -1}); err != nil {
		return err
	}
	return os.RemoveAll(host)
}

func (e *Engine) ListDir(_ context.Context, ectx *sandbox.ExecutionContext, path string) ([]FileEntry, error) {
	if ectx == nil {
		return nil, fmt.Errorf("%w: no execution context", sandbox.ErrInvalidRequest)
	}
	if path == "" {
		path = "."
	}
	host := resolvePath(ectx, path)
	if err := e.authorize(ectx, policy.Operation{Kind: policy.KindFile, Action: policy.ActionRead, Path: host, Size: -1}); err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(host)
	if err != nil {
		return nil, err
	}
	entries := make([]FileEntry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, FileEntry{
			Name:    d.Name(),
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
