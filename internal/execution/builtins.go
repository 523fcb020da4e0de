package execution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.starlark.net/starlark"

	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
)

// predeclared returns the names every namespace starts with. The functions
// read the namespace's current context so limits and env follow the latest
// execution.
func (e *Engine) predeclared(ns *namespace, ectx *sandbox.ExecutionContext) starlark.StringDict {
	return starlark.StringDict{
		"workspace_path": starlark.String(ectx.WorkspaceRoot),
		"artifacts_dir":  starlark.String(ectx.ArtifactsDir),
		"env":            frozenEnv(ectx.Env),
		"read_file":      starlark.NewBuiltin("read_file", e.readFileBuiltin(ns)),
		"write_file":     starlark.NewBuiltin("write_file", e.writeFileBuiltin(ns)),
		"list_dir":       starlark.NewBuiltin("list_dir", e.listDirBuiltin(ns)),
		"http_get":       starlark.NewBuiltin("http_get", e.httpGetBuiltin(ns)),
	}
}

func frozenEnv(env map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := starlark.NewDict(len(keys))
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.String(env[k]))
	}
	d.Freeze()
	return d
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(threadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (e *Engine) readFileBuiltin(ns *namespace) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		data, err := e.ReadFile(threadContext(thread), ns.ectx, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.String(data), nil
	}
}

func (e *Engine) writeFileBuiltin(ns *namespace) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path, content string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
			return nil, err
		}
		if err := e.WriteFile(threadContext(thread), ns.ectx, path, []byte(content)); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.MakeInt(len(content)), nil
	}
}

func (e *Engine) listDirBuiltin(ns *namespace) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		path := "."
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &path); err != nil {
			return nil, err
		}
		entries, err := e.ListDir(threadContext(thread), ns.ectx, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		names := make([]starlark.Value, len(entries))
		for i, ent := range entries {
			name := ent.Name
			if ent.IsDir {
				name += "/"
			}
			names[i] = starlark.String(name)
		}
		return starlark.NewList(names), nil
	}
}

func (e *Engine) httpGetBuiltin(ns *namespace) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			rawURL  string
			timeout = 10
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &rawURL, "timeout?", &timeout); err != nil {
			return nil, err
		}
		status, body, headers, err := e.httpGet(threadContext(thread), ns.ectx, rawURL, time.Duration(timeout)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}

		hdrs := starlark.NewDict(len(headers))
		for k, v := range headers {
			_ = hdrs.SetKey(starlark.String(k), starlark.String(v))
		}
		resp := starlark.NewDict(3)
		_ = resp.SetKey(starlark.String("status"), starlark.MakeInt(status))
		_ = resp.SetKey(starlark.String("body"), starlark.String(body))
		_ = resp.SetKey(starlark.String("headers"), hdrs)
		return resp, nil
	}
}

// httpGet fetches rawURL after checking its host, and every redirect's
// host, against the network policy.
func (e *Engine) httpGet(ctx context.Context, ectx *sandbox.ExecutionContext, rawURL string, timeout time.Duration) (int, string, map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", nil, fmt.Errorf("%w: %v", sandbox.ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, "", nil, fmt.Errorf("%w: unsupported scheme %q", sandbox.ErrInvalidRequest, u.Scheme)
	}
	if err := e.authorize(ectx, policy.Operation{Kind: policy.KindNetwork, Host: u.Host}); err != nil {
		return 0, "", nil, err
	}

	if timeout <= 0 || timeout > 60*time.Second {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{
		Transport: e.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return e.authorize(ectx, policy.Operation{Kind: policy.KindNetwork, Host: req.URL.Host})
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("User-Agent", "swiss-sandbox")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.opts.MaxOutputBytes)))
	if err != nil {
		return 0, "", nil, err
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, string(body), headers, nil
}
