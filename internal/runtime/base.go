package runtime

import (
	"fmt"
	"sort"
	"strings"

	"swiss-sandbox/internal/sandbox"
)

// MaxCodeSize bounds the code accepted by every runtime.
const MaxCodeSize = 1 << 20

// Runtime defines how to run code out of process for a specific language.
type Runtime interface {
	// Name returns the language identifier (e.g., "shell", "bash", "render").
	Name() string

	// Image returns the container image used when the workspace has none.
	Image() string

	// Command returns the argv that runs code. script is the path the code
	// was written to when FileExtension is non-empty, and empty otherwise.
	Command(code, script string, opts Options) []string

	// FileExtension returns the extension of the script file, or "" when the
	// code is passed inline.
	FileExtension() string

	// Validate checks that the code is acceptable before execution.
	// This is a size and shape check, not a parser.
	Validate(code string) error
}

// Options carries per-invocation settings for runtimes that need them.
type Options struct {
	MediaDir string
	Quality  Quality
	Scene    string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the shell, bash and render runtimes.
// renderBinary overrides the render command; "" uses manim.
func NewRegistry(renderBinary string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&ShellRuntime{})
	r.Register(&BashRuntime{})
	r.Register(&RenderRuntime{Binary: renderBinary})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", sandbox.ErrUnsupportedLang, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns the distinct container images of registered runtimes.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{})
	var images []string
	for _, name := range r.Languages() {
		img := r.runtimes[name].Image()
		if _, ok := seen[img]; ok || img == "" {
			continue
		}
		seen[img] = struct{}{}
		images = append(images, img)
	}
	return images
}

func validateSize(code string) error {
	if len(strings.TrimSpace(code)) == 0 {
		return fmt.Errorf("%w: empty code", sandbox.ErrInvalidRequest)
	}
	if len(code) > MaxCodeSize {
		return fmt.Errorf("%w: code too large: %d bytes (max 1MB)", sandbox.ErrInvalidRequest, len(code))
	}
	return nil
}
