// Package execution runs code against workspace execution contexts: an
// in-process Starlark namespace that persists between calls, and shell and
// render jobs run as processes or inside the workspace container.
package execution

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.starlark.net/starlark"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/monitor"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/runtime"
	"swiss-sandbox/internal/sandbox"
)

const (
	LanguagePython = "python"
	LanguageShell  = "shell"
	LanguageBash   = "bash"
	LanguageRender = "render"
)

// Recorder receives every execution record. Record must not block.
type Recorder interface {
	Record(rec *sandbox.ExecutionRecord)
}

type Options struct {
	HistoryLimit   int // default 1000
	MaxOutputBytes int // default 1MB
}

// Engine executes code and keeps history. It is safe for concurrent use;
// executions against one workspace are serialized, executions against
// different workspaces run in parallel.
type Engine struct {
	opts      Options
	policies  *policy.Manager
	runtimes  *runtime.Registry
	executor  isolation.Executor
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	recorder  Recorder
	transport http.RoundTripper
	now       func() time.Time

	mu       sync.Mutex
	contexts map[string]*namespace
	history  []*sandbox.ExecutionRecord
	counters counters
}

// NewEngine creates an engine. policies may be nil, in which case code runs
// without a security gate and file and network builtins are refused.
// executor may be nil; isolated workspaces then run processes on the host.
func NewEngine(opts Options, policies *policy.Manager, runtimes *runtime.Registry, executor isolation.Executor, metrics *monitor.Metrics) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if runtimes == nil {
		runtimes = runtime.NewRegistry("")
	}
	return &Engine{
		opts:      opts,
		policies:  policies,
		runtimes:  runtimes,
		executor:  executor,
		metrics:   metrics,
		tracer:    monitor.NewTracer(),
		transport: http.DefaultTransport,
		now:       time.Now,
		contexts:  make(map[string]*namespace),
		counters:  newCounters(),
	}
}

// SetRecorder attaches an audit sink. Call before serving traffic.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

func (e *Engine) policyFor(ectx *sandbox.ExecutionContext) *policy.Engine {
	if e.policies == nil {
		return nil
	}
	return e.policies.Engine(ectx.SecurityLevel)
}

// Languages lists the accepted language names.
func (e *Engine) Languages() []string {
	langs := append([]string{LanguagePython}, e.runtimes.Languages()...)
	sort.Strings(langs)
	return langs
}

// Execute runs code in language against ectx. Every outcome, including
// rejection, is reported in the result.
func (e *Engine) Execute(ctx context.Context, code, language string, ectx *sandbox.ExecutionContext) *sandbox.ExecutionResult {
	switch language {
	case LanguagePython:
		return e.ExecutePython(ctx, code, ectx)
	case LanguageShell, LanguageBash:
		return e.executeCommand(ctx, code, language, ectx)
	case LanguageRender:
		return e.ExecuteRender(ctx, code, ectx, RenderOptions{})
	default:
		return e.run(ctx, code, language, ectx, func(x *execution) *sandbox.ExecutionResult {
			x.release()
			return failure(sandbox.KindRuntime, fmt.Sprintf("%v: %q", sandbox.ErrUnsupportedLang, language))
		})
	}
}

// ExecutePython runs code in the workspace's persistent namespace. Globals
// and loaded modules survive between calls. On timeout the result is
// reported immediately; the script is cancelled at its next step but may
// still be inside a builtin, and it keeps the workspace lock until it
// returns.
func (e *Engine) ExecutePython(ctx context.Context, code string, ectx *sandbox.ExecutionContext) *sandbox.ExecutionResult {
	return e.run(ctx, code, LanguagePython, ectx, e.runStarlark)
}

// ExecuteShell runs a shell command line in the workspace root.
func (e *Engine) ExecuteShell(ctx context.Context, command string, ectx *sandbox.ExecutionContext) *sandbox.ExecutionResult {
	return e.executeCommand(ctx, command, LanguageShell, ectx)
}

func (e *Engine) executeCommand(ctx context.Context, command, language string, ectx *sandbox.ExecutionContext) *sandbox.ExecutionResult {
	return e.run(ctx, command, language, ectx, func(x *execution) *sandbox.ExecutionResult {
		defer x.release()
		rt, err := e.runtimes.Get(language)
		if err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}
		if err := rt.Validate(command); err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}
		res := e.runProcess(x.ctx, ectx, processSpec{args: rt.Command(command, "", runtime.Options{})})
		return processOutcome(res, ectx.Limits.Timeout)
	})
}

// execution is the per-call state handed to a language runner. release
// must be called exactly once, possibly from another goroutine.
type execution struct {
	id      string
	code    string
	ectx    *sandbox.ExecutionContext
	ctx     context.Context
	ns      *namespace
	logger  zerolog.Logger
	release func()
}

// run is the path shared by every language: gate, lock, execute, record.
func (e *Engine) run(ctx context.Context, code, language string, ectx *sandbox.ExecutionContext, fn func(*execution) *sandbox.ExecutionResult) *sandbox.ExecutionResult {
	execID := uuid.NewString()
	hash := codeHash(code)
	start := e.now()

	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(language),
		monitor.AttrCodeHash.String(hash[:16]),
	)
	defer span.End()

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	contextID := ""
	if ectx != nil {
		contextID = ectx.WorkspaceID
	}
	logger := log.With().
		Str("exec_id", execID).
		Str("language", language).
		Str("context", contextID).
		Str("code_hash", hash[:16]).
		Logger()
	logger.Info().Msg("execution requested")

	var result *sandbox.ExecutionResult
	switch {
	case ectx == nil || ectx.WorkspaceID == "":
		result = failure(sandbox.KindRuntime, fmt.Sprintf("%v: no execution context", sandbox.ErrInvalidRequest))
	case len(code) > runtime.MaxCodeSize:
		result = failure(sandbox.KindRuntime, fmt.Sprintf("%v: code exceeds 1MB", sandbox.ErrInvalidRequest))
	default:
		result = e.gate(code, language, ectx)
	}

	if result == nil {
		ns := e.namespaceFor(ectx.WorkspaceID)
		if err := ns.acquire(ctx); err != nil {
			result = failure(sandbox.KindRuntime, fmt.Sprintf("%v: %v", sandbox.ErrCancelled, err))
		} else {
			ns.executions.Add(1)
			var once sync.Once
			result = fn(&execution{
				id:      execID,
				code:    code,
				ectx:    ectx,
				ctx:     ctx,
				ns:      ns,
				logger:  logger,
				release: func() { once.Do(ns.release) },
			})
		}
	}

	result.Duration = e.now().Sub(start)
	result.Timestamp = start
	e.inspectOutput(result, ectx)

	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	result.Metadata["execution_id"] = execID

	rec := &sandbox.ExecutionRecord{
		ID:        execID,
		Code:      code,
		CodeHash:  hash,
		Language:  language,
		ContextID: contextID,
		Result:    result.Clone(),
		Timestamp: start,
	}
	e.mu.Lock()
	e.appendRecord(rec)
	e.counters.add(language, result)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.Record(rec)
	}
	e.metrics.RecordExecution(language, result.Status(), result.Duration.Seconds(), len(code), len(result.Output))
	if !result.Success {
		e.metrics.RecordError(string(result.ErrorKind))
		span.SetStatus(codes.Error, string(result.ErrorKind))
		span.SetAttributes(monitor.AttrErrorKind.String(string(result.ErrorKind)))
	}
	if exitCode, ok := result.Metadata["exit_code"].(int); ok {
		span.SetAttributes(monitor.AttrExitCode.Int(exitCode))
	}

	logger.Info().
		Bool("success", result.Success).
		Str("error_kind", string(result.ErrorKind)).
		Dur("duration", result.Duration).
		Msg("execution completed")
	return result
}

// gate returns a rejection result, or nil when code may run.
func (e *Engine) gate(code, language string, ectx *sandbox.ExecutionContext) *sandbox.ExecutionResult {
	eng := e.policyFor(ectx)
	if eng == nil {
		return nil
	}
	switch language {
	case LanguageShell, LanguageBash:
		if err := e.authorize(ectx, policy.Operation{Kind: policy.KindCommand, Command: code}); err != nil {
			return failure(sandbox.KindSecurity, "command rejected by security policy")
		}
	case LanguagePython, LanguageRender:
		ok, dets := eng.ValidateScript(code)
		if !ok {
			e.metrics.RecordPolicyDenial("script")
			for _, d := range dets {
				e.metrics.RecordSecurityEvent(d.Pattern)
			}
			res := failure(sandbox.KindSecurity, "script rejected by security policy")
			res.Metadata = map[string]any{"detections": dets}
			return res
		}
	}
	return nil
}

// inspectOutput flags host information leaking into output.
func (e *Engine) inspectOutput(result *sandbox.ExecutionResult, ectx *sandbox.ExecutionContext) {
	if ectx == nil || result.Output == "" {
		return
	}
	eng := e.policyFor(ectx)
	if eng == nil {
		return
	}
	dets := eng.AnalyzeOutput(result.Output)
	if len(dets) == 0 {
		return
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	result.Metadata["security_events"] = dets
	for _, d := range dets {
		e.metrics.RecordSecurityEvent(d.Pattern)
	}
}

func (e *Engine) namespaceFor(id string) *namespace {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns, ok := e.contexts[id]
	if !ok {
		ns = newNamespace(id, e.now())
		e.contexts[id] = ns
	}
	return ns
}

func (e *Engine) runStarlark(x *execution) *sandbox.ExecutionResult {
	ectx := x.ectx
	ns := x.ns
	ns.ectx = ectx
	if ns.globals == nil {
		ns.globals = e.predeclared(ns, ectx)
	}

	out := newCapture(e.opts.MaxOutputBytes)
	thread := &starlark.Thread{
		Name:  "exec-" + x.id,
		Print: func(_ *starlark.Thread, msg string) { out.WriteString(msg + "\n") },
		Load:  loadModule,
	}
	thread.SetLocal(threadContextKey, x.ctx)

	guard := CooperativeGuard(ectx.Limits.Timeout, thread)
	done := make(chan error, 1)

	guard.Start()
	go func() {
		var err error
		// the lock is released before the result is reported
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during execution: %v", r)
			}
			x.release()
			done <- err
		}()
		err = execChunk(x.code, thread, ns.globals)
	}()

	select {
	case err := <-done:
		guard.Stop()
		if guard.Expired() {
			return timeoutResult(out.String(), ectx.Limits.Timeout, StrategyCooperative, false)
		}
		if err != nil {
			kind, msg := classify(err)
			res := failure(kind, msg)
			res.Output = out.String()
			return res
		}
		return &sandbox.ExecutionResult{Success: true, Output: out.String()}
	case <-guard.Done():
		x.logger.Warn().Dur("timeout", ectx.Limits.Timeout).Msg("in-process execution timed out, may still be running")
		return timeoutResult(out.String(), ectx.Limits.Timeout, StrategyCooperative, true)
	case <-x.ctx.Done():
		guard.Stop()
		thread.Cancel("execution cancelled")
		res := failure(sandbox.KindRuntime, fmt.Sprintf("%v: %v", sandbox.ErrCancelled, x.ctx.Err()))
		res.Output = out.String()
		return res
	}
}

func timeoutResult(output string, timeout time.Duration, strategy Strategy, stillRunning bool) *sandbox.ExecutionResult {
	res := failure(sandbox.KindTimeout, fmt.Sprintf("%v after %s", sandbox.ErrTimeout, timeout))
	res.Output = output
	res.Metadata = map[string]any{
		"timeout_strategy": string(strategy),
		"still_running":    stillRunning,
	}
	return res
}

// processOutcome classifies a finished process run.
func processOutcome(res processResult, timeout time.Duration) *sandbox.ExecutionResult {
	if res.timedOut {
		out := timeoutResult(res.stdout, timeout, StrategyKill, false)
		out.Metadata["exit_code"] = res.exitCode
		out.Metadata["backend"] = res.backend
		return out
	}

	meta := map[string]any{
		"exit_code": res.exitCode,
		"backend":   res.backend,
	}
	if res.err != nil {
		return &sandbox.ExecutionResult{
			Output:    res.stdout,
			Error:     res.err.Error(),
			ErrorKind: sandbox.KindCommand,
			Metadata:  meta,
		}
	}
	if res.exitCode != 0 {
		msg := strings.TrimSpace(res.stderr)
		if msg == "" {
			msg = fmt.Sprintf("command exited with status %d", res.exitCode)
		}
		return &sandbox.ExecutionResult{
			Output:    res.stdout,
			Error:     msg,
			ErrorKind: sandbox.KindCommand,
			Metadata:  meta,
		}
	}
	if res.stderr != "" {
		meta["stderr"] = res.stderr
	}
	return &sandbox.ExecutionResult{Success: true, Output: res.stdout, Metadata: meta}
}

func failure(kind sandbox.ErrorKind, msg string) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{Success: false, Error: msg, ErrorKind: kind}
}

// ContextInfo describes one live namespace.
type ContextInfo struct {
	ID         string    `json:"id"`
	Executions int       `json:"executions"`
	Running    bool      `json:"running"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActiveContexts lists namespaces sorted by id.
func (e *Engine) ActiveContexts() []ContextInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ContextInfo, 0, len(e.contexts))
	for _, ns := range e.contexts {
		out = append(out, ContextInfo{
			ID:         ns.id,
			Executions: int(ns.executions.Load()),
			Running:    ns.busy(),
			CreatedAt:  ns.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupContext discards the namespace of workspace id. An execution still
// running keeps its own reference and finishes against the discarded state.
func (e *Engine) CleanupContext(id string) bool {
	e.mu.Lock()
	_, ok := e.contexts[id]
	delete(e.contexts, id)
	e.mu.Unlock()
	if ok {
		log.Debug().Str("context", id).Msg("execution context discarded")
	}
	return ok
}

// CleanupAll discards every namespace, the history and the counters.
func (e *Engine) CleanupAll() {
	e.mu.Lock()
	n := len(e.contexts)
	e.contexts = make(map[string]*namespace)
	e.history = nil
	e.counters = newCounters()
	e.mu.Unlock()
	log.Info().Int("contexts", n).Msg("execution engine reset")
}

// RenderOptions selects render quality and an optional scene.
type RenderOptions struct {
	Quality string `json:"quality,omitempty"`
	Scene   string `json:"scene,omitempty"`
}

// ExecuteRender writes code to a fresh directory under the artifacts dir,
// renders it and lists the produced files as artifacts.
func (e *Engine) ExecuteRender(ctx context.Context, code string, ectx *sandbox.ExecutionContext, opts RenderOptions) *sandbox.ExecutionResult {
	return e.run(ctx, code, LanguageRender, ectx, func(x *execution) *sandbox.ExecutionResult {
		defer x.release()

		quality, err := runtime.ParseQuality(opts.Quality)
		if err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}
		if err := runtime.ValidateScene(opts.Scene); err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}
		rt, err := e.runtimes.Get(LanguageRender)
		if err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}
		if err := rt.Validate(code); err != nil {
			return failure(sandbox.KindRuntime, err.Error())
		}

		renderID := x.id[:8]
		dir := filepath.Join(ectx.ArtifactsDir, "render", renderID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return failure(sandbox.KindRuntime, fmt.Sprintf("create render dir: %v", err))
		}
		script := filepath.Join(dir, "scene"+rt.FileExtension())
		if err := os.WriteFile(script, []byte(runtime.PrepareScript(code)), 0o644); err != nil {
			return failure(sandbox.KindRuntime, fmt.Sprintf("write render script: %v", err))
		}
		media := filepath.Join(dir, "media")

		args := rt.Command(code, script, runtime.Options{MediaDir: media, Quality: quality, Scene: opts.Scene})
		res := processOutcome(e.runProcess(x.ctx, ectx, processSpec{args: args, dir: dir}), ectx.Limits.Timeout)

		res.Metadata["quality"] = string(quality)
		res.Metadata["render_id"] = renderID
		if opts.Scene != "" {
			res.Metadata["scene"] = opts.Scene
		}
		if scenes := runtime.ScenesFromOutput(res.Output); len(scenes) > 0 {
			res.Metadata["scenes_found"] = scenes
		}
		res.Artifacts = collectArtifacts(ectx.WorkspaceRoot, media)
		if res.Success && len(res.Artifacts) == 0 {
			res.Metadata["warning"] = "no output files generated"
		}
		for _, a := range res.Artifacts {
			if strings.HasSuffix(a, ".mp4") {
				res.Metadata["video"] = a
				break
			}
		}
		return res
	})
}

// collectArtifacts lists regular files under dir relative to root.
func collectArtifacts(root, dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(out)
	return out
}
