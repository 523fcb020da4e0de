package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/sandbox"
)

// envBlocklist holds keys a context may not pass to a process.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"LD_AUDIT":              true,
	"DYLD_INSERT_LIBRARIES": true,
	"BASH_ENV":              true,
	"ENV":                   true,
	"PROMPT_COMMAND":        true,
	"PATH":                  true,
	"HOME":                  true,
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// processSpec is one out-of-process run.
type processSpec struct {
	args []string
	dir  string // host directory; mapped under /workspace for container runs
}

// processResult is what a process run produced.
type processResult struct {
	exitCode int
	timedOut bool
	stdout   string
	stderr   string
	err      error // failure to start or to exec, not a non-zero exit
	backend  string
}

// runProcess runs spec under a kill guard, locally or inside the workspace
// container when one is available.
func (e *Engine) runProcess(ctx context.Context, ectx *sandbox.ExecutionContext, spec processSpec) processResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	guard := KillGuard(ectx.Limits.Timeout, cancel)
	stdout := newCapture(e.opts.MaxOutputBytes)
	stderr := newCapture(e.opts.MaxOutputBytes)

	guard.Start()
	var res processResult
	if e.useContainer(ectx) {
		res = e.execContainer(runCtx, ectx, spec, stdout, stderr)
	} else {
		res = e.execLocal(runCtx, ectx, spec, stdout, stderr)
	}
	guard.Stop()

	res.timedOut = guard.Expired()
	res.stdout = stdout.String()
	res.stderr = stderr.String()
	return res
}

func (e *Engine) useContainer(ectx *sandbox.ExecutionContext) bool {
	return e.executor != nil && ectx.Isolation == isolation.ModeIsolated && ectx.Handle != nil
}

func (e *Engine) execLocal(ctx context.Context, ectx *sandbox.ExecutionContext, spec processSpec, stdout, stderr *captureBuffer) processResult {
	res := processResult{backend: "local"}

	cmd := exec.CommandContext(ctx, spec.args[0], spec.args[1:]...) // #nosec G204 -- argv validated by policy
	cmd.Dir = spec.dir
	if cmd.Dir == "" {
		cmd.Dir = ectx.WorkspaceRoot
	}
	cmd.Env = localEnv(ectx)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process) }
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		res.exitCode = -1
		res.err = fmt.Errorf("start %s: %w", spec.args[0], err)
		return res
	}
	applyRlimits(cmd.Process.Pid, ectx.Limits)

	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		res.exitCode = -1
		if ctx.Err() == nil {
			res.err = err
		}
	}
	return res
}

func (e *Engine) execContainer(ctx context.Context, ectx *sandbox.ExecutionContext, spec processSpec, stdout, stderr *captureBuffer) processResult {
	res := processResult{backend: ectx.Handle.Backend}

	dir := isolation.MountPath
	if spec.dir != "" {
		dir = containerPath(ectx.WorkspaceRoot, spec.dir)
	}
	args := make([]string, len(spec.args))
	for i, a := range spec.args {
		args[i] = containerPath(ectx.WorkspaceRoot, a)
	}

	out, err := e.executor.Exec(ctx, ectx.Handle, isolation.ExecRequest{
		Args:   args,
		Env:    containerEnv(ectx),
		Dir:    dir,
		Stdout: stdout,
		Stderr: stderr,
	})
	if out != nil {
		res.exitCode = out.ExitCode
	}
	if err != nil {
		res.exitCode = -1
		if ctx.Err() == nil {
			res.err = err
		}
	}
	return res
}

// localEnv is a minimal environment plus the context variables.
func localEnv(ectx *sandbox.ExecutionContext) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := map[string]string{
		"PATH": path,
		"HOME": ectx.WorkspaceRoot,
		"LANG": "C.UTF-8",
	}
	for k, v := range ectx.Env {
		if !envBlocklist[k] {
			env[k] = v
		}
	}
	if len(ectx.SearchPath) > 0 {
		env["PYTHONPATH"] = strings.Join(ectx.SearchPath, string(os.PathListSeparator))
	}
	return flatten(env)
}

// containerEnv rewrites host paths under the workspace root to their
// in-container location.
func containerEnv(ectx *sandbox.ExecutionContext) []string {
	env := map[string]string{
		"PATH":    defaultPath,
		"HOME":    isolation.MountPath,
		"LANG":    "C.UTF-8",
		"SANDBOX": "true",
	}
	for k, v := range ectx.Env {
		if !envBlocklist[k] {
			env[k] = containerPath(ectx.WorkspaceRoot, v)
		}
	}
	if len(ectx.SearchPath) > 0 {
		parts := make([]string, len(ectx.SearchPath))
		for i, p := range ectx.SearchPath {
			parts[i] = containerPath(ectx.WorkspaceRoot, p)
		}
		env["PYTHONPATH"] = strings.Join(parts, ":")
	}
	return flatten(env)
}

func containerPath(root, p string) string {
	if p == root {
		return isolation.MountPath
	}
	if rel, ok := strings.CutPrefix(p, root+string(filepath.Separator)); ok {
		return isolation.MountPath + "/" + filepath.ToSlash(rel)
	}
	return p
}

func flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
