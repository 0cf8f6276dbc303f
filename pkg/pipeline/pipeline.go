// Package pipeline runs packaging requests end to end: it loads the
// project, gates the run on policy, leases a build agent and a private
// working directory, invokes the format providers and reports the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/installerkit/installerkit/pkg/agent"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/policy"
	"github.com/installerkit/installerkit/pkg/telemetry"
	"github.com/installerkit/installerkit/pkg/verify"
)

// Issue codes raised by optional post-processing.
const (
	CodeAuditFailed      = "audit_capture_failed"
	CodeAuditUnavailable = "audit_unavailable"
)

// Request property keys the pipeline interprets.
const (
	PropVerify         = "verify"
	PropAudit          = "audit"
	PropChannel        = "channel"
	PropAgentRequire   = "agent.require"
	MetaReleaseChannel = "release.channel"
	DefaultChannel     = "stable"
)

// Options tune pipeline behavior.
type Options struct {
	// UnmatchedFormatWarnings reports each requested format that no
	// registered provider handles as a Warning instead of dropping it.
	UnmatchedFormatWarnings bool
	// TempDir is the parent of per-run working directories; "" uses the
	// system default.
	TempDir string
	// OutputDir receives the artifacts of requests that name no output
	// directory, under a subdirectory per job. "" leaves such requests
	// without one.
	OutputDir string
}

// Config wires a Pipeline. Projects and Platform are required.
type Config struct {
	Platform  packaging.Platform
	Projects  packaging.ProjectStore
	Evaluator policy.Evaluator
	Broker    agent.Broker
	Providers []packaging.FormatProvider
	Telemetry telemetry.Channel
	Verifier  verify.Verifier
	Audit     *audit.Service
	Logger    *slog.Logger
	Options   Options
}

// Pipeline executes packaging requests for one platform. It is safe for
// concurrent use; runs share nothing but the telemetry channel.
type Pipeline struct {
	platform  packaging.Platform
	projects  packaging.ProjectStore
	evaluator policy.Evaluator
	broker    agent.Broker
	providers []packaging.FormatProvider
	telemetry telemetry.Channel
	verifier  verify.Verifier
	audit     *audit.Service
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// New creates a Pipeline. Missing optional collaborators get defaults: the
// built-in policy rules, a local agent broker, a no-op telemetry channel and
// the file verifier.
func New(cfg Config) (*Pipeline, error) {
	if _, err := packaging.ParsePlatform(string(cfg.Platform)); err != nil {
		return nil, fmt.Errorf("pipeline platform: %w", err)
	}
	if cfg.Projects == nil {
		return nil, errors.New("pipeline needs a project store")
	}
	if cfg.Options.OutputDir != "" {
		abs, err := filepath.Abs(cfg.Options.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("pipeline output directory: %w", err)
		}
		cfg.Options.OutputDir = abs
	}
	p := &Pipeline{
		platform:  cfg.Platform,
		projects:  cfg.Projects,
		evaluator: cfg.Evaluator,
		broker:    cfg.Broker,
		providers: append([]packaging.FormatProvider(nil), cfg.Providers...),
		telemetry: cfg.Telemetry,
		verifier:  cfg.Verifier,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		opts:      cfg.Options,
		now:       time.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.evaluator == nil {
		p.evaluator = policy.NewEvaluator(policy.WithLogger(p.logger))
	}
	if p.broker == nil {
		p.broker = agent.NewLocalBroker(cfg.Platform)
	}
	if p.telemetry == nil {
		p.telemetry = telemetry.Nop{}
	}
	if p.verifier == nil {
		p.verifier = verify.FileVerifier{}
	}
	return p, nil
}

// Platform returns the platform this pipeline serves.
func (p *Pipeline) Platform() packaging.Platform { return p.platform }

// Formats lists the registered provider formats in registration order.
func (p *Pipeline) Formats() []string {
	out := make([]string, 0, len(p.providers))
	for _, fp := range p.providers {
		out = append(out, strings.ToLower(fp.Format()))
	}
	return out
}

// Execute runs req. Every outcome, including policy blocks and provider
// failures, is reported through the returned Result; the only error is
// ctx's error when the run was cancelled.
func (p *Pipeline) Execute(ctx context.Context, req packaging.Request) (packaging.Result, error) {
	req = req.Clone()
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	start := p.now()
	logger := p.logger.With("jobId", req.JobID, "projectId", req.ProjectID, "platform", string(req.Platform))

	r := &run{p: p, req: req, logger: logger}
	res, err := r.safeExecute(ctx)
	if err != nil {
		logger.Info("packaging run cancelled", "error", err)
		emitCompleted(p.telemetry, r, telemetry.StatusCancelled, packaging.Result{}, start, p.now())
		return packaging.Result{}, err
	}

	status := telemetry.StatusSucceeded
	if !res.Success() {
		status = telemetry.StatusFailed
	}
	logger.Info("packaging run finished",
		"status", string(status),
		"artifacts", len(res.Artifacts),
		"errors", packaging.CountErrors(res.Issues),
		"duration", p.now().Sub(start).String())
	emitCompleted(p.telemetry, r, status, res, start, p.now())
	return res, nil
}

// run holds the state of one Execute call.
type run struct {
	p       *Pipeline
	req     packaging.Request
	project packaging.Project
	logger  *slog.Logger
}

// safeExecute turns a panic anywhere in the run into an Error issue. Deferred
// cleanup inside execute has already run by the time it is recovered here.
func (r *run) safeExecute(ctx context.Context) (res packaging.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("packaging run panicked", "panic", v, "stack", string(debug.Stack()))
			res, err = packaging.Failed(packaging.NewError(packaging.CodeInternalError,
				fmt.Sprintf("packaging run aborted: %v", v))), nil
		}
	}()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) (packaging.Result, error) {
	p := r.p
	if r.req.Platform != p.platform {
		return packaging.Failed(packaging.NewError(packaging.CodePlatformMismatch,
			fmt.Sprintf("request targets %s but this pipeline builds %s", r.req.Platform, p.platform))), nil
	}
	if err := ctx.Err(); err != nil {
		return packaging.Result{}, err
	}

	project, err := p.projects.Load(ctx, r.req.ProjectID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return packaging.Result{}, ctx.Err()
	case errors.Is(err, packaging.ErrProjectNotFound):
		return packaging.Failed(packaging.NewError(packaging.CodeProjectNotFound,
			fmt.Sprintf("project %q not found", r.req.ProjectID))), nil
	default:
		return packaging.Failed(packaging.NewError(packaging.CodeProjectLoadFailed,
			fmt.Sprintf("load project %q: %v", r.req.ProjectID, err))), nil
	}
	r.project = project
	if cfg, ok := project.Platform(p.platform); ok {
		r.req = r.req.WithDefaults(cfg)
	}
	if r.req.OutputDirectory == "" && p.opts.OutputDir != "" {
		r.req.OutputDirectory = filepath.Join(p.opts.OutputDir, r.req.JobID)
	}

	var principal *identity.Principal
	if id, ok := identity.PrincipalFromContext(ctx); ok {
		principal = &id
	}
	verdict, err := p.evaluator.Evaluate(ctx, policy.EvaluationContext{
		Project:  project.Clone(),
		Request:  r.req.Clone(),
		Identity: principal,
	})
	if err != nil {
		if ctx.Err() != nil {
			return packaging.Result{}, ctx.Err()
		}
		return packaging.Failed(packaging.NewError(packaging.CodePolicyEvaluationFailed,
			fmt.Sprintf("policy evaluation failed: %v", err))), nil
	}
	if !verdict.Allowed {
		return packaging.Failed(verdict.Issues...), nil
	}
	issues := append([]packaging.Issue(nil), verdict.Issues...)
	if project.Version != "" {
		if _, err := semver.NewVersion(project.Version); err != nil {
			issues = append(issues, packaging.NewWarning(packaging.CodeInvalidVersion,
				fmt.Sprintf("project version %q is not semantic: %v", project.Version, err)))
		}
	}

	workDir, err := os.MkdirTemp(p.opts.TempDir, "installerkit-")
	if err != nil {
		return packaging.Failed(append(issues, packaging.NewError(packaging.CodeWorkdirFailed,
			fmt.Sprintf("create working directory: %v", err)))...), nil
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.logger.Warn("failed to remove working directory", "dir", workDir, "error", err)
		}
	}()

	reqs, err := agent.ParseRequirements(r.req.Properties[PropAgentRequire])
	if err != nil {
		return packaging.Failed(append(issues, packaging.NewError(packaging.CodeAgentUnavailable,
			fmt.Sprintf("invalid %s: %v", PropAgentRequire, err)))...), nil
	}
	handle, err := p.broker.Acquire(ctx, p.platform, reqs)
	if err != nil {
		if ctx.Err() != nil {
			return packaging.Result{}, ctx.Err()
		}
		return packaging.Failed(append(issues, packaging.NewError(packaging.CodeAgentUnavailable,
			fmt.Sprintf("no build agent for %s: %v", p.platform, err)))...), nil
	}
	defer handle.Release()

	// Each run pushes onto its own scope so concurrent runs sharing a parent
	// never unwind each other's leases.
	scope := agent.ScopeFromContext(ctx).Child()
	ctx = agent.WithScope(ctx, scope)
	pop := scope.Push(handle)
	defer pop()
	r.logger.Debug("build agent leased", "agent", handle.Name(), "leaseId", handle.LeaseID())

	selected, unmatched := p.resolve(r.req.Formats)
	if p.opts.UnmatchedFormatWarnings {
		for _, f := range unmatched {
			issues = append(issues, packaging.NewWarning(packaging.CodeFormatUnmatched,
				fmt.Sprintf("no provider is registered for format %q", f)))
		}
	}
	if len(selected) == 0 {
		return packaging.Failed(append(issues, packaging.NewError(packaging.CodeNoProviders,
			fmt.Sprintf("none of the requested formats [%s] has a provider", strings.Join(r.req.Formats, ", "))))...), nil
	}

	var artifacts []packaging.Artifact
	for _, fp := range selected {
		if err := ctx.Err(); err != nil {
			return packaging.Result{}, err
		}
		fc := packaging.FormatContext{Project: project.Clone(), Request: r.req.Clone(), WorkingDirectory: workDir}
		out, err := r.invoke(ctx, fp, fc)
		if err != nil {
			if ctx.Err() != nil {
				return packaging.Result{}, ctx.Err()
			}
			format := strings.ToLower(fp.Format())
			r.logger.Warn("format provider failed", "format", format, "error", err)
			issues = append(issues, packaging.NewError(packaging.ProviderFailedCode(format),
				fmt.Sprintf("%s provider failed: %v", format, err)))
			continue
		}
		kept, dropped := keepOutsideDir(out.Artifacts, workDir)
		for _, a := range dropped {
			issues = append(issues, packaging.NewError(packaging.CodeArtifactInWorkdir,
				fmt.Sprintf("%s artifact %s is inside the run's working directory and would be deleted", a.Format, a.Path)))
		}
		artifacts = append(artifacts, kept...)
		issues = append(issues, out.Issues...)
	}

	if r.req.Flag(PropVerify) {
		var found []packaging.Issue
		artifacts, found = verify.All(ctx, p.verifier, artifacts)
		issues = append(issues, found...)
	}
	if r.req.Flag(PropAudit) {
		issues = append(issues, r.capture(ctx, principal)...)
	}
	if err := ctx.Err(); err != nil {
		return packaging.Result{}, err
	}
	return packaging.Result{Artifacts: artifacts, Issues: issues}, nil
}

// invoke runs one provider, timing it and turning a panic into an error.
func (r *run) invoke(ctx context.Context, fp packaging.FormatProvider, fc packaging.FormatContext) (res packaging.FormatResult, err error) {
	format := strings.ToLower(fp.Format())
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			res, err = packaging.FormatResult{}, fmt.Errorf("panic: %v", v)
		}
		r.p.telemetry.TrackDependency("format."+format, time.Since(start), err == nil, map[string]string{
			"jobId":     r.req.JobID,
			"projectId": r.req.ProjectID,
			"platform":  string(r.req.Platform),
			"format":    format,
		})
	}()
	return fp.Package(ctx, fc)
}

// keepOutsideDir splits artifacts into those outside dir and those within it.
func keepOutsideDir(artifacts []packaging.Artifact, dir string) (kept, dropped []packaging.Artifact) {
	for _, a := range artifacts {
		rel, err := filepath.Rel(dir, a.Path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			dropped = append(dropped, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, dropped
}

// capture records an audit snapshot of the project for this run.
func (r *run) capture(ctx context.Context, principal *identity.Principal) []packaging.Issue {
	if r.p.audit == nil {
		return []packaging.Issue{packaging.NewWarning(CodeAuditUnavailable, "audit capture requested but no audit service is configured")}
	}
	author := ""
	if principal != nil {
		author = principal.DisplayName
		if author == "" {
			author = principal.ID
		}
	}
	if _, err := r.p.audit.Capture(ctx, r.project, author, "packaging run "+r.req.JobID); err != nil {
		return []packaging.Issue{packaging.NewWarning(CodeAuditFailed, err.Error())}
	}
	return nil
}

// resolve picks the registered providers whose format was requested, in
// registration order, and lists requested formats nobody handles.
func (p *Pipeline) resolve(formats []string) (selected []packaging.FormatProvider, unmatched []string) {
	requested := mapset.NewThreadUnsafeSet[string]()
	for _, f := range formats {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			requested.Add(f)
		}
	}
	matched := mapset.NewThreadUnsafeSet[string]()
	for _, fp := range p.providers {
		f := strings.ToLower(fp.Format())
		if requested.Contains(f) && !matched.Contains(f) {
			matched.Add(f)
			selected = append(selected, fp)
		}
	}
	unmatched = requested.Difference(matched).ToSlice()
	sort.Strings(unmatched)
	return selected, unmatched
}

func emitCompleted(tel telemetry.Channel, r *run, status telemetry.JobStatus, res packaging.Result, start, end time.Time) {
	tel.TrackEvent(telemetry.EventPipelineCompleted, map[string]string{
		"jobId":           r.req.JobID,
		"projectId":       r.req.ProjectID,
		"displayName":     r.project.Name,
		"channel":         r.channel(),
		"platform":        string(r.req.Platform),
		"status":          string(status),
		"durationSeconds": strconv.FormatFloat(end.Sub(start).Seconds(), 'f', 3, 64),
		"completedAt":     end.UTC().Format(time.RFC3339Nano),
		"blockingIssues":  strconv.Itoa(packaging.CountErrors(res.Issues)),
	})
	for _, a := range res.Artifacts {
		tel.TrackEvent(telemetry.EventPipelineArtifact, map[string]string{
			"jobId":     r.req.JobID,
			"projectId": r.req.ProjectID,
			"format":    a.Format,
			"path":      a.Path,
			"platform":  string(r.req.Platform),
			"channel":   r.channel(),
		})
	}
}

func (r *run) channel() string {
	if v := r.req.Properties[PropChannel]; v != "" {
		return v
	}
	if v := r.project.Metadata[MetaReleaseChannel]; v != "" {
		return v
	}
	return DefaultChannel
}
