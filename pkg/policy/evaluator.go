// Package policy decides whether a packaging run may proceed. Evaluation is
// a pure function of the project, the request and the caller identity; it
// allocates nothing and can run before any other stage.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// Issue codes produced by the evaluator.
const (
	CodeSigningMissing     = "policy.signing.missing"
	CodeDisplayNameMissing = "policy.signing.display_name_missing"
	CodeTimestampMissing   = "policy.timestamp.missing"
	CodeApprovalMissing    = "policy.approval.missing"
	CodeRetentionExceeded  = "policy.retention.exceeded"
	CodeRetentionInvalid   = "policy.retention.invalid"
	CodeIdentityMissing    = "policy.identity.missing"
	CodeIdentityRole       = "policy.identity.role"
	CodeConfigInvalid      = "policy.config.invalid"
)

// PropertySigningDisplayName names the signer shown to end users.
const PropertySigningDisplayName = "signing.displayName"

// signingProperties lists the properties that count as signing material.
var signingProperties = map[packaging.Platform][]string{
	packaging.PlatformWindows: {"signing.certificatePath", "signing.certificateThumbprint", "signing.remoteCertificate"},
	packaging.PlatformMacOS:   {"signing.identity", "signing.installerIdentity"},
	packaging.PlatformLinux:   {"signing.gpgKey", "signing.keyId"},
}

// timestampProperties lists the properties that satisfy the timestamp or
// notarization rule.
var timestampProperties = map[packaging.Platform][]string{
	packaging.PlatformWindows: {"signing.timestampUrl"},
	packaging.PlatformMacOS:   {"notarization.profile", "notarization.appleId"},
	packaging.PlatformLinux:   {"signing.timestampUrl"},
}

// EvaluationContext is the input of one evaluation.
type EvaluationContext struct {
	Project  packaging.Project
	Request  packaging.Request
	Identity *identity.Principal
}

// Result is the verdict. Allowed is true iff Issues holds no Error.
type Result struct {
	Allowed bool              `json:"allowed"`
	Issues  []packaging.Issue `json:"issues"`
}

func newResult(issues []packaging.Issue) Result {
	return Result{Allowed: !packaging.HasErrors(issues), Issues: issues}
}

// Evaluator gates packaging runs.
type Evaluator interface {
	Evaluate(ctx context.Context, ec EvaluationContext) (Result, error)
}

// RuleEvaluator applies the built-in rule set.
type RuleEvaluator struct {
	defaults Defaults
	logger   *slog.Logger
}

// Option configures a RuleEvaluator.
type Option func(*RuleEvaluator)

// WithDefaults layers organization defaults beneath project metadata.
func WithDefaults(d Defaults) Option {
	return func(e *RuleEvaluator) { e.defaults = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *RuleEvaluator) { e.logger = l }
}

// NewEvaluator creates a RuleEvaluator.
func NewEvaluator(opts ...Option) *RuleEvaluator {
	e := &RuleEvaluator{logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate runs every applicable rule and reports all violations together.
func (e *RuleEvaluator) Evaluate(ctx context.Context, ec EvaluationContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cfg, issues := ConfigFromMetadata(e.defaults.Merge(ec.Project.Metadata))
	lookup := propertyLookup(ec.Project, ec.Request)
	platform := ec.Request.Platform

	hasSigning := anyPresent(lookup, signingProperties[platform])
	if cfg.SigningRequired && !hasSigning {
		issues = append(issues, packaging.NewError(CodeSigningMissing,
			fmt.Sprintf("signing is required but none of %s is set for %s",
				strings.Join(signingProperties[platform], ", "), platform)))
	}
	if hasSigning {
		if v, _ := lookup(PropertySigningDisplayName); v == "" {
			issues = append(issues, packaging.NewWarning(CodeDisplayNameMissing,
				"signing material is configured but "+PropertySigningDisplayName+" is not set"))
		}
	}

	if cfg.TimestampRequired && !anyPresent(lookup, timestampProperties[platform]) {
		issues = append(issues, packaging.NewError(CodeTimestampMissing,
			fmt.Sprintf("timestamping is required but none of %s is set for %s",
				strings.Join(timestampProperties[platform], ", "), platform)))
	}

	if cfg.ApprovalRequired {
		if v := strings.TrimSpace(ec.Request.Properties[cfg.ApprovalProperty]); v == "" {
			issues = append(issues, packaging.NewError(CodeApprovalMissing,
				fmt.Sprintf("approval is required but request property %s is empty", cfg.ApprovalProperty)))
		}
	}

	if cfg.MaxRetentionDays > 0 {
		issues = append(issues, checkRetention(cfg, ec, lookup)...)
	}

	if cfg.IdentityRequired {
		switch {
		case ec.Identity == nil:
			issues = append(issues, packaging.NewError(CodeIdentityMissing,
				"an authenticated identity is required"))
		case len(cfg.RequiredRoles) > 0 && !ec.Identity.HasAnyRole(cfg.RequiredRoles...):
			issues = append(issues, packaging.NewError(CodeIdentityRole,
				fmt.Sprintf("identity %s holds none of the roles %s",
					ec.Identity.ID, strings.Join(cfg.RequiredRoles, ", "))))
		}
	}

	res := newResult(issues)
	if !res.Allowed {
		e.logger.Info("policy blocked packaging run",
			"projectId", ec.Project.ID,
			"platform", platform,
			"errors", packaging.CountErrors(issues))
	}
	return res, nil
}

func checkRetention(cfg Config, ec EvaluationContext, lookup func(string) (string, bool)) []packaging.Issue {
	raw, ok := lookup(cfg.RetentionKey)
	if !ok {
		raw, ok = ec.Project.Metadata[cfg.RetentionKey]
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		return []packaging.Issue{packaging.NewError(CodeRetentionInvalid,
			fmt.Sprintf("retention value %q under %s is not a number of days", raw, cfg.RetentionKey))}
	}
	if days > cfg.MaxRetentionDays {
		return []packaging.Issue{packaging.NewError(CodeRetentionExceeded,
			fmt.Sprintf("requested retention of %d days exceeds the maximum of %d", days, cfg.MaxRetentionDays))}
	}
	return nil
}

// propertyLookup reads request properties first, then the project's
// properties for the request platform.
func propertyLookup(p packaging.Project, r packaging.Request) func(string) (string, bool) {
	platformProps := p.Platforms[r.Platform].Properties
	return func(key string) (string, bool) {
		if v, ok := r.Properties[key]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		if v, ok := platformProps[key]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		return "", false
	}
}

func anyPresent(lookup func(string) (string, bool), keys []string) bool {
	for _, k := range keys {
		if _, ok := lookup(k); ok {
			return true
		}
	}
	return false
}
