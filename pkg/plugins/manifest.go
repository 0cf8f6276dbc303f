// Package plugins describes installer plugins in YAML manifests and turns
// them into format providers and telemetry sinks through factories that
// are registered explicitly at startup.
package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/installerkit/installerkit/pkg/packaging"
)

const (
	APIVersion   = "installerkit.io/v1alpha1"
	ManifestKind = "InstallerPlugin"
)

// Type is what a plugin contributes.
type Type string

const (
	TypeFormatProvider Type = "formatProvider"
	TypeTelemetrySink  Type = "telemetrySink"
)

// Manifest is the top-level structure of a plugin YAML file.
type Manifest struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   ManifestName `yaml:"metadata" json:"metadata"`
	Spec       ManifestSpec `yaml:"spec" json:"spec"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-" json:"path,omitempty"`
}

// ManifestName holds the plugin name.
type ManifestName struct {
	Name string `yaml:"name" json:"name"`
}

// ManifestSpec holds the plugin body.
type ManifestSpec struct {
	Type        Type   `yaml:"type" json:"type"`
	Factory     string `yaml:"factory" json:"factory"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version"`
	// Compatibility is a semver constraint on the host version, e.g. ">= 1.2, < 2".
	Compatibility string `yaml:"compatibility,omitempty" json:"compatibility,omitempty"`
	// Format and Platform are required for format providers.
	Format   string             `yaml:"format,omitempty" json:"format,omitempty"`
	Platform packaging.Platform `yaml:"platform,omitempty" json:"platform,omitempty"`
	Enabled  *bool              `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Settings map[string]string  `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Enabled reports whether the plugin should be built. Plugins are enabled
// unless the manifest says otherwise.
func (m Manifest) Enabled() bool {
	return m.Spec.Enabled == nil || *m.Spec.Enabled
}

// LoadManifest reads and parses a plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest %s: %w", path, err)
	}
	if m.Spec.Platform != "" {
		p, err := packaging.ParsePlatform(string(m.Spec.Platform))
		if err != nil {
			return nil, fmt.Errorf("plugin manifest %s: %w", path, err)
		}
		m.Spec.Platform = p
	}
	m.Spec.Format = strings.ToLower(m.Spec.Format)
	m.Path = path
	return &m, nil
}

// LoadManifests reads every *.yaml and *.yml file in dir, sorted by file
// name. A missing directory yields no manifests. Files that fail to parse
// are reported together and do not stop the others from loading.
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out  []Manifest
		errs []error
	)
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, *m)
	}
	return out, errors.Join(errs...)
}

// Validate checks a manifest and returns human-readable problems. An empty
// slice means valid.
func Validate(m Manifest) []string {
	var errs []string

	if m.APIVersion == "" {
		errs = append(errs, "apiVersion is required")
	} else if m.APIVersion != APIVersion {
		errs = append(errs, fmt.Sprintf("apiVersion must be %s, got %q", APIVersion, m.APIVersion))
	}
	if m.Kind != ManifestKind {
		errs = append(errs, fmt.Sprintf("kind must be %s, got %q", ManifestKind, m.Kind))
	}
	if m.Metadata.Name == "" {
		errs = append(errs, "metadata.name is required")
	}
	if m.Spec.Factory == "" {
		errs = append(errs, "spec.factory is required")
	}
	if m.Spec.Version == "" {
		errs = append(errs, "spec.version is required")
	} else if _, err := semver.NewVersion(m.Spec.Version); err != nil {
		errs = append(errs, fmt.Sprintf("spec.version is not valid semver: %v", err))
	}
	if m.Spec.Compatibility != "" {
		if _, err := semver.NewConstraint(m.Spec.Compatibility); err != nil {
			errs = append(errs, fmt.Sprintf("spec.compatibility is not a valid constraint: %v", err))
		}
	}

	switch m.Spec.Type {
	case TypeFormatProvider:
		if m.Spec.Format == "" {
			errs = append(errs, "spec.format is required for format providers")
		}
		if m.Spec.Platform == "" {
			errs = append(errs, "spec.platform is required for format providers")
		}
	case TypeTelemetrySink:
	case "":
		errs = append(errs, "spec.type is required")
	default:
		errs = append(errs, fmt.Sprintf("spec.type must be %s or %s, got %q", TypeFormatProvider, TypeTelemetrySink, m.Spec.Type))
	}

	return errs
}

// Compatible reports whether the manifest accepts hostVersion. Manifests
// without a constraint accept every host; an unparseable host version is
// only accepted by those.
func Compatible(m Manifest, hostVersion string) bool {
	if m.Spec.Compatibility == "" {
		return true
	}
	c, err := semver.NewConstraint(m.Spec.Compatibility)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return false
	}
	return c.Check(v)
}
