// Package packaging defines the data model shared by every stage of a
// packaging run: projects, requests, artifacts, issues and results.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrProjectNotFound is returned by a ProjectStore when the id is unknown.
var ErrProjectNotFound = errors.New("project not found")

// Platform identifies the operating system an installer targets.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformWindows, PlatformMacOS, PlatformLinux}

// ParsePlatform resolves a platform name, accepting common aliases.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "win":
		return PlatformWindows, nil
	case "macos", "osx", "darwin", "mac":
		return PlatformMacOS, nil
	case "linux":
		return PlatformLinux, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

func (p Platform) String() string { return string(p) }

// PlatformConfig holds the per-platform defaults of a project.
type PlatformConfig struct {
	Formats    []string          `json:"formats" yaml:"formats"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Clone returns a deep copy.
func (c PlatformConfig) Clone() PlatformConfig {
	return PlatformConfig{
		Formats:    slices.Clone(c.Formats),
		Properties: cloneMap(c.Properties),
	}
}

// Project is a packaging project document. Values handed out by a
// ProjectStore are private copies; callers never share the maps inside.
type Project struct {
	ID        string                      `json:"id" yaml:"id"`
	Name      string                      `json:"name" yaml:"name"`
	Version   string                      `json:"version" yaml:"version"`
	Metadata  map[string]string           `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Platforms map[Platform]PlatformConfig `json:"platforms,omitempty" yaml:"platforms,omitempty"`

	// SourceDir is the directory the project document was loaded from, if any.
	SourceDir string `json:"-" yaml:"-"`
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	out := p
	out.Metadata = cloneMap(p.Metadata)
	if p.Platforms != nil {
		out.Platforms = make(map[Platform]PlatformConfig, len(p.Platforms))
		for k, v := range p.Platforms {
			out.Platforms[k] = v.Clone()
		}
	}
	return out
}

// Platform returns the configuration for the given platform.
func (p Project) Platform(platform Platform) (PlatformConfig, bool) {
	cfg, ok := p.Platforms[platform]
	return cfg, ok
}

// Request describes one packaging run.
type Request struct {
	JobID           string            `json:"jobId,omitempty"`
	ProjectID       string            `json:"projectId"`
	Platform        Platform          `json:"platform"`
	Formats         []string          `json:"formats"`
	Configuration   string            `json:"configuration,omitempty"`
	OutputDirectory string            `json:"outputDirectory,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	out := r
	out.Formats = slices.Clone(r.Formats)
	out.Properties = cloneMap(r.Properties)
	return out
}

// Property returns a request property.
func (r Request) Property(key string) (string, bool) {
	v, ok := r.Properties[key]
	return v, ok
}

// Flag reports whether a boolean-like request property is enabled.
func (r Request) Flag(key string) bool {
	v, ok := ParseFlag(r.Properties[key])
	return ok && v
}

// WithDefaults merges platform defaults into the request. Request
// properties win; formats fall back to the platform formats when empty.
func (r Request) WithDefaults(cfg PlatformConfig) Request {
	out := r.Clone()
	if len(out.Formats) == 0 {
		out.Formats = slices.Clone(cfg.Formats)
	}
	if len(cfg.Properties) > 0 {
		merged := cloneMap(cfg.Properties)
		maps.Copy(merged, out.Properties)
		out.Properties = merged
	}
	return out
}

// Artifact is the output of one provider invocation.
type Artifact struct {
	Format   string            `json:"format"`
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FormatContext is everything a format provider may read during a run.
type FormatContext struct {
	Project          Project
	Request          Request
	WorkingDirectory string
}

// Property looks a key up in the request properties, then in the project's
// configuration for the request platform.
func (c FormatContext) Property(key string) (string, bool) {
	if v, ok := c.Request.Properties[key]; ok {
		return v, true
	}
	if cfg, ok := c.Project.Platforms[c.Request.Platform]; ok {
		v, ok := cfg.Properties[key]
		return v, ok
	}
	return "", false
}

// FormatResult is what a provider hands back for one invocation.
type FormatResult struct {
	Artifacts []Artifact
	Issues    []Issue
}

// FormatProvider builds one installer format. Ordinary build failures are
// reported as issues; a returned error is treated as an unexpected failure.
type FormatProvider interface {
	Format() string
	Package(ctx context.Context, fc FormatContext) (FormatResult, error)
}

// ProjectStore loads project documents.
type ProjectStore interface {
	Load(ctx context.Context, id string) (Project, error)
}

// ProjectLister is implemented by stores that can enumerate projects.
type ProjectLister interface {
	List(ctx context.Context) ([]Project, error)
}

// ParseFlag interprets a boolean-like string. ok is false when s is empty
// or not recognised.
func ParseFlag(s string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
