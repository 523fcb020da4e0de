package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"swiss-sandbox/internal/sandbox"
)

// fileOptions is the dialect of in-process scripts. Chunks behave like a
// REPL session: load binds globally so imported modules outlive the chunk.
var fileOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	LoadBindsGlobally: true,
	Recursion:         true,
}

var modules = map[string]starlark.StringDict{
	"json": {"json": json.Module},
	"math": {"math": math.Module},
	"time": {"time": starlarktime.Module},
}

const threadContextKey = "context"

// namespace is the persistent state of one workspace. sem serializes every
// execution against it; globals is only touched while sem is held.
type namespace struct {
	id        string
	sem       chan struct{}
	globals   starlark.StringDict
	createdAt time.Time

	executions atomic.Int64

	// guarded by sem
	ectx *sandbox.ExecutionContext
}

func newNamespace(id string, now time.Time) *namespace {
	return &namespace{
		id:        id,
		sem:       make(chan struct{}, 1),
		createdAt: now,
	}
}

// acquire waits for the namespace lock or ctx.
func (ns *namespace) acquire(ctx context.Context) error {
	select {
	case ns.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ns *namespace) release() { <-ns.sem }

func (ns *namespace) busy() bool { return len(ns.sem) > 0 }

// loadModule serves load("json.star", "json") and load("json", "json").
func loadModule(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	name := strings.TrimSuffix(module, ".star")
	if m, ok := modules[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("cannot load %s: no such module", module)
}

// execChunk parses code and runs it against globals, which it updates in
// place.
func execChunk(code string, thread *starlark.Thread, globals starlark.StringDict) error {
	f, err := fileOptions.Parse("<exec>", code, 0)
	if err != nil {
		return err
	}
	return starlark.ExecREPLChunk(f, thread, globals)
}

// classify maps an in-process failure onto the error kinds.
func classify(err error) (sandbox.ErrorKind, string) {
	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return sandbox.KindSyntax, synErr.Error()
	}

	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		for _, re := range resolveErrs {
			if strings.HasPrefix(re.Msg, "undefined:") {
				return sandbox.KindName, resolveErrs.Error()
			}
		}
		return sandbox.KindSyntax, resolveErrs.Error()
	}

	if errors.Is(err, sandbox.ErrSecurityViolation) {
		return sandbox.KindSecurity, err.Error()
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg := evalErr.Backtrace()
		if strings.Contains(evalErr.Msg, "referenced before assignment") {
			return sandbox.KindName, msg
		}
		return sandbox.KindRuntime, msg
	}
	return sandbox.KindRuntime, err.Error()
}
