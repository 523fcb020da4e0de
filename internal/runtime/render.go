package runtime

import (
	"fmt"
	"regexp"
	"strings"

	"swiss-sandbox/internal/sandbox"
)

// Quality selects the render resolution.
type Quality string

const (
	QualityLow        Quality = "low"
	QualityMedium     Quality = "medium"
	QualityHigh       Quality = "high"
	QualityProduction Quality = "production"
)

var qualityFlags = map[Quality]string{
	QualityLow:        "-ql",
	QualityMedium:     "-qm",
	QualityHigh:       "-qh",
	QualityProduction: "-qp",
}

// ParseQuality accepts "low", "low_quality" and the like. "" is medium.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "_quality"))
	if q == "" {
		return QualityMedium, nil
	}
	if _, ok := qualityFlags[q]; !ok {
		return "", fmt.Errorf("%w: unknown render quality %q", sandbox.ErrInvalidRequest, s)
	}
	return q, nil
}

var sceneName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const renderImport = "from manim import *\n"

// RenderRuntime renders animation scripts with manim.
type RenderRuntime struct {
	Binary string
}

func (r *RenderRuntime) Name() string { return "render" }

func (r *RenderRuntime) Image() string { return "docker.io/manimcommunity/manim:stable" }

func (r *RenderRuntime) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "manim"
}

func (r *RenderRuntime) Command(_, script string, opts Options) []string {
	flag, ok := qualityFlags[opts.Quality]
	if !ok {
		flag = qualityFlags[QualityMedium]
	}
	cmd := []string{r.binary(), flag}
	if opts.MediaDir != "" {
		cmd = append(cmd, "--media_dir", opts.MediaDir)
	}
	cmd = append(cmd, script)
	if opts.Scene != "" {
		cmd = append(cmd, opts.Scene)
	}
	return cmd
}

func (r *RenderRuntime) FileExtension() string { return ".py" }

func (r *RenderRuntime) Validate(code string) error {
	return validateSize(code)
}

// ValidateScene rejects scene names that are not identifiers.
func ValidateScene(scene string) error {
	if scene != "" && !sceneName.MatchString(scene) {
		return fmt.Errorf("%w: invalid scene name %q", sandbox.ErrInvalidRequest, scene)
	}
	return nil
}

// PrepareScript adds the manim import when the script has none.
func PrepareScript(code string) string {
	if strings.Contains(code, "from manim import") || strings.Contains(code, "import manim") {
		return code
	}
	return renderImport + code
}

var sceneLine = regexp.MustCompile(`Scene: ([A-Za-z0-9_]+)`)

// ScenesFromOutput lists scene names reported in render output.
func ScenesFromOutput(out string) []string {
	var scenes []string
	for _, m := range sceneLine.FindAllStringSubmatch(out, -1) {
		scenes = append(scenes, m[1])
	}
	return scenes
}
