package policy

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// Metadata keys read from the project document.
const (
	KeySigningRequired   = "policy.signing.required"
	KeyTimestampRequired = "policy.timestamp.required"
	KeyApprovalRequired  = "policy.approval.required"
	KeyApprovalProperty  = "policy.approval.property"
	KeyRetentionMaxDays  = "policy.retention.maxDays"
	KeyRetentionKey      = "policy.retention.key"
	KeyIdentityRequired  = "policy.identity.required"
	KeyIdentityRoles     = "policy.identity.roles"
	KeyStrict            = "policy.strict"
)

const (
	DefaultApprovalProperty = "approvalToken"
	DefaultRetentionKey     = "retention.days"
)

// Config is the typed policy configuration of one project.
type Config struct {
	SigningRequired   bool
	TimestampRequired bool
	ApprovalRequired  bool
	ApprovalProperty  string
	// MaxRetentionDays is zero when no bound is configured.
	MaxRetentionDays int
	RetentionKey     string
	IdentityRequired bool
	RequiredRoles    []string
	// Strict switches to fail-closed: unparseable values are reported and
	// signing and timestamping are required unless explicitly disabled.
	Strict bool
}

// ConfigFromMetadata resolves a Config from metadata. Missing or
// unparseable keys fall back to "not required". In strict mode each
// unparseable value also yields a policy.config.invalid Error issue.
func ConfigFromMetadata(md map[string]string) (Config, []packaging.Issue) {
	cfg := Config{
		ApprovalProperty: DefaultApprovalProperty,
		RetentionKey:     DefaultRetentionKey,
	}

	var invalid []string
	flag := func(key string, absent bool) bool {
		raw, ok := md[key]
		if !ok || strings.TrimSpace(raw) == "" {
			return absent
		}
		v, ok := packaging.ParseFlag(raw)
		if !ok {
			invalid = append(invalid, key)
			return absent
		}
		return v
	}

	cfg.Strict = flag(KeyStrict, false)
	cfg.SigningRequired = flag(KeySigningRequired, cfg.Strict)
	cfg.TimestampRequired = flag(KeyTimestampRequired, cfg.Strict)
	cfg.ApprovalRequired = flag(KeyApprovalRequired, false)
	cfg.IdentityRequired = flag(KeyIdentityRequired, false)

	if v := strings.TrimSpace(md[KeyApprovalProperty]); v != "" {
		cfg.ApprovalProperty = v
	}
	if v := strings.TrimSpace(md[KeyRetentionKey]); v != "" {
		cfg.RetentionKey = v
	}
	if raw := strings.TrimSpace(md[KeyRetentionMaxDays]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			invalid = append(invalid, KeyRetentionMaxDays)
		} else {
			cfg.MaxRetentionDays = n
		}
	}
	for _, role := range strings.Split(md[KeyIdentityRoles], ",") {
		if role = strings.TrimSpace(role); role != "" {
			cfg.RequiredRoles = append(cfg.RequiredRoles, role)
		}
	}

	if !cfg.Strict {
		return cfg, nil
	}
	issues := make([]packaging.Issue, 0, len(invalid))
	for _, key := range invalid {
		issues = append(issues, packaging.NewError(CodeConfigInvalid,
			fmt.Sprintf("policy key %s has an invalid value %q", key, md[key])))
	}
	return cfg, issues
}

// Defaults is the organization-wide policy metadata layered beneath each
// project's own metadata.
type Defaults map[string]string

// LoadDefaults reads organization defaults from a YAML mapping of
// metadata keys to values. A missing file yields empty defaults.
func LoadDefaults(path string) (Defaults, error) {
	if path == "" {
		return Defaults{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults{}, nil
		}
		return nil, fmt.Errorf("read policy defaults: %w", err)
	}

	var doc struct {
		Metadata map[string]any `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy defaults: %w", err)
	}

	out := make(Defaults, len(doc.Metadata))
	for k, v := range doc.Metadata {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// Merge layers project metadata over the defaults; the project wins.
func (d Defaults) Merge(md map[string]string) map[string]string {
	out := make(map[string]string, len(d)+len(md))
	maps.Copy(out, d)
	maps.Copy(out, md)
	return out
}
