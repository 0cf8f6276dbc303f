// Package providers contains format providers that build installers by
// driving the platform's native packaging tools.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

// Issue codes raised by tool providers.
const (
	CodeToolFailed  = "tool_failed"
	CodeToolArgs    = "tool_args_invalid"
	CodeSourceUnset = "source_missing"
	CodeOutputUnset = "output_missing"
)

// Property keys a project or request may set to steer a tool provider.
// The format-scoped keys are prefixed with the format id, e.g. "deb.tool".
const (
	PropSourceDir = "sourceDir"
	suffixTool    = ".tool"
	suffixArgs    = ".args"
	suffixOutput  = ".output"
)

// Spec describes how to drive one tool. Args and Output are text/template
// strings rendered against TemplateData.
type Spec struct {
	Format   string
	Platform packaging.Platform
	Tool     string
	Args     []string
	Output   string
}

// TemplateData is the value tool argument templates are rendered against.
type TemplateData struct {
	Project   packaging.Project
	Request   packaging.Request
	WorkDir   string
	Source    string
	Output    string
	OutputDir string

	fc packaging.FormatContext
}

// Prop returns a property from the request or the project's platform
// configuration, or "" when unset.
func (d TemplateData) Prop(key string) string {
	v, _ := d.fc.Property(key)
	return v
}

// ToolProvider is a packaging.FormatProvider backed by an external tool.
type ToolProvider struct {
	spec   Spec
	runner toolexec.Runner
	logger *slog.Logger
}

func NewToolProvider(spec Spec, runner toolexec.Runner, logger *slog.Logger) *ToolProvider {
	if logger == nil {
		logger = slog.Default()
	}
	spec.Format = strings.ToLower(spec.Format)
	return &ToolProvider{spec: spec, runner: runner, logger: logger}
}

// Format implements packaging.FormatProvider.
func (p *ToolProvider) Format() string { return p.spec.Format }

// Spec returns the tool description with defaults, before overrides.
func (p *ToolProvider) Spec() Spec { return p.spec }

// Package implements packaging.FormatProvider. A tool that exits non-zero
// is reported as an Error issue; only failing to launch it is an error.
func (p *ToolProvider) Package(ctx context.Context, fc packaging.FormatContext) (packaging.FormatResult, error) {
	spec := p.resolve(fc)

	source, _ := fc.Property(PropSourceDir)
	if source == "" {
		source = fc.Project.SourceDir
	}
	if source == "" {
		return packaging.FormatResult{Issues: []packaging.Issue{packaging.NewError(CodeSourceUnset,
			fmt.Sprintf("%s: no %s property and the project has no source directory", spec.Format, PropSourceDir))}}, nil
	}

	// The working directory is removed when the run ends, so artifacts
	// must land in the request's output directory.
	outDir := fc.Request.OutputDirectory
	if outDir == "" {
		return packaging.FormatResult{Issues: []packaging.Issue{packaging.NewError(CodeOutputUnset,
			fmt.Sprintf("%s: the request names no output directory", spec.Format))}}, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return packaging.FormatResult{}, fmt.Errorf("create output directory: %w", err)
	}

	data := TemplateData{
		Project:   fc.Project,
		Request:   fc.Request,
		WorkDir:   fc.WorkingDirectory,
		Source:    source,
		OutputDir: outDir,
		fc:        fc,
	}
	name, err := render(spec.Format+" output", spec.Output, data)
	if err != nil {
		return argsFailed(spec.Format, err), nil
	}
	data.Output = filepath.Join(outDir, name)

	args := make([]string, 0, len(spec.Args))
	for i, a := range spec.Args {
		rendered, err := render(fmt.Sprintf("%s arg %d", spec.Format, i), a, data)
		if err != nil {
			return argsFailed(spec.Format, err), nil
		}
		args = append(args, rendered)
	}

	cmd := toolexec.Command{Name: spec.Tool, Args: args, Dir: fc.WorkingDirectory}
	start := time.Now()
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return packaging.FormatResult{}, err
	}
	p.logger.Debug("tool finished",
		"format", spec.Format,
		"tool", spec.Tool,
		"exitCode", res.ExitCode,
		"duration", time.Since(start).String())

	if !res.Success() {
		return packaging.FormatResult{Issues: []packaging.Issue{packaging.NewError(CodeToolFailed,
			fmt.Sprintf("%s exited with code %d: %s", spec.Tool, res.ExitCode, lastLine(res.Stderr)))}}, nil
	}
	return packaging.FormatResult{Artifacts: []packaging.Artifact{{
		Format:   spec.Format,
		Path:     data.Output,
		Metadata: map[string]string{"tool": spec.Tool},
	}}}, nil
}

// resolve applies "<format>.tool", "<format>.args" and "<format>.output"
// overrides. Args overrides are split on whitespace.
func (p *ToolProvider) resolve(fc packaging.FormatContext) Spec {
	spec := p.spec
	spec.Args = append([]string(nil), p.spec.Args...)
	if v, ok := fc.Property(spec.Format + suffixTool); ok && v != "" {
		spec.Tool = v
	}
	if v, ok := fc.Property(spec.Format + suffixArgs); ok {
		spec.Args = strings.Fields(v)
	}
	if v, ok := fc.Property(spec.Format + suffixOutput); ok && v != "" {
		spec.Output = v
	}
	return spec
}

func render(name, text string, data TemplateData) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func argsFailed(format string, err error) packaging.FormatResult {
	return packaging.FormatResult{Issues: []packaging.Issue{
		packaging.NewError(CodeToolArgs, fmt.Sprintf("%s: %v", format, err)),
	}}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
