package plugins

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/providers"
	"github.com/installerkit/installerkit/pkg/telemetry"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

// Deps are the shared services handed to factories.
type Deps struct {
	Runner toolexec.Runner
	Logger *slog.Logger
}

// FormatFactory builds a format provider from a manifest.
type FormatFactory func(m Manifest, deps Deps) (packaging.FormatProvider, error)

// SinkFactory builds a telemetry sink from a manifest.
type SinkFactory func(m Manifest, deps Deps) (telemetry.Sink, error)

// Registry maps factory names to constructors. Factories are registered
// explicitly; nothing is discovered at runtime.
type Registry struct {
	mu      sync.RWMutex
	formats map[string]FormatFactory
	sinks   map[string]SinkFactory
}

func NewRegistry() *Registry {
	return &Registry{
		formats: make(map[string]FormatFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

// NewDefaultRegistry returns a registry holding the builtin factories:
// "tool" for format providers and "log" for telemetry sinks.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFormat("tool", ToolFactory)
	r.RegisterSink("log", LogSinkFactory)
	return r
}

// RegisterFormat adds a format provider factory. It panics on duplicates,
// which are programming errors.
func (r *Registry) RegisterFormat(name string, f FormatFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.formats[name]; dup {
		panic(fmt.Sprintf("plugins: format factory %q registered twice", name))
	}
	r.formats[name] = f
}

// RegisterSink adds a telemetry sink factory. It panics on duplicates.
func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sinks[name]; dup {
		panic(fmt.Sprintf("plugins: sink factory %q registered twice", name))
	}
	r.sinks[name] = f
}

// Names returns the registered factory names per type, sorted.
func (r *Registry) Names() map[Type][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Type][]string{TypeFormatProvider: {}, TypeTelemetrySink: {}}
	for n := range r.formats {
		out[TypeFormatProvider] = append(out[TypeFormatProvider], n)
	}
	for n := range r.sinks {
		out[TypeTelemetrySink] = append(out[TypeTelemetrySink], n)
	}
	sort.Strings(out[TypeFormatProvider])
	sort.Strings(out[TypeTelemetrySink])
	return out
}

// Built is the outcome of building a set of manifests.
type Built struct {
	// Formats holds providers per platform, in manifest order.
	Formats map[packaging.Platform][]packaging.FormatProvider
	Sinks   []telemetry.Sink
	// Skipped lists disabled or incompatible plugins by name.
	Skipped []string
}

// Build instantiates every enabled manifest compatible with hostVersion.
// Invalid manifests and factory failures are collected; the rest still
// build.
func (r *Registry) Build(manifests []Manifest, hostVersion string, deps Deps) (Built, []error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	built := Built{Formats: make(map[packaging.Platform][]packaging.FormatProvider)}
	var errs []error
	for _, m := range manifests {
		name := m.Metadata.Name
		if problems := Validate(m); len(problems) > 0 {
			errs = append(errs, fmt.Errorf("plugin %q: %s", name, strings.Join(problems, "; ")))
			continue
		}
		if !m.Enabled() {
			built.Skipped = append(built.Skipped, name)
			continue
		}
		if !Compatible(m, hostVersion) {
			deps.Logger.Warn("plugin incompatible with host", "plugin", name, "constraint", m.Spec.Compatibility, "hostVersion", hostVersion)
			built.Skipped = append(built.Skipped, name)
			continue
		}

		switch m.Spec.Type {
		case TypeFormatProvider:
			f, ok := r.formats[m.Spec.Factory]
			if !ok {
				errs = append(errs, fmt.Errorf("plugin %q: unknown format factory %q", name, m.Spec.Factory))
				continue
			}
			p, err := f(m, deps)
			if err != nil {
				errs = append(errs, fmt.Errorf("plugin %q: %w", name, err))
				continue
			}
			built.Formats[m.Spec.Platform] = append(built.Formats[m.Spec.Platform], p)
		case TypeTelemetrySink:
			f, ok := r.sinks[m.Spec.Factory]
			if !ok {
				errs = append(errs, fmt.Errorf("plugin %q: unknown sink factory %q", name, m.Spec.Factory))
				continue
			}
			s, err := f(m, deps)
			if err != nil {
				errs = append(errs, fmt.Errorf("plugin %q: %w", name, err))
				continue
			}
			built.Sinks = append(built.Sinks, s)
		}
		deps.Logger.Debug("plugin built", "plugin", name, "type", string(m.Spec.Type), "factory", m.Spec.Factory)
	}
	return built, errs
}

// ToolFactory builds a providers.ToolProvider. Settings "tool", "args"
// (whitespace separated) and "output" override the builtin spec for the
// manifest's format; formats without a builtin spec must set tool and args.
func ToolFactory(m Manifest, deps Deps) (packaging.FormatProvider, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("tool factory needs a runner")
	}
	spec, ok := providers.Lookup(m.Spec.Format)
	if !ok {
		spec = providers.Spec{Format: m.Spec.Format, Output: "{{.Project.ID}}-{{.Project.Version}}." + m.Spec.Format}
	}
	spec.Platform = m.Spec.Platform
	if v := m.Spec.Settings["tool"]; v != "" {
		spec.Tool = v
	}
	if v, ok := m.Spec.Settings["args"]; ok {
		spec.Args = strings.Fields(v)
	}
	if v := m.Spec.Settings["output"]; v != "" {
		spec.Output = v
	}
	if spec.Tool == "" {
		return nil, fmt.Errorf("no builtin tool for format %q; settings.tool is required", m.Spec.Format)
	}
	return providers.NewToolProvider(spec, deps.Runner, deps.Logger), nil
}

// LogSinkFactory builds a telemetry.LogSink. Setting "component" is
// attached to every logged event.
func LogSinkFactory(m Manifest, deps Deps) (telemetry.Sink, error) {
	logger := deps.Logger
	if c := m.Spec.Settings["component"]; c != "" {
		logger = logger.With("component", c)
	}
	return telemetry.LogSink{Logger: logger}, nil
}
