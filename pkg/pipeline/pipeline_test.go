package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/installerkit/installerkit/pkg/agent"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/policy"
	"github.com/installerkit/installerkit/pkg/projectstore"
	"github.com/installerkit/installerkit/pkg/providers"
	"github.com/installerkit/installerkit/pkg/telemetry"
	"github.com/installerkit/installerkit/pkg/toolexec"
)

// fakeProvider records its invocations and reports the working directory
// and current agent it saw.
type fakeProvider struct {
	format    string
	err       error
	panics    bool
	inWorkDir bool
	issues  []packaging.Issue
	block   chan struct{}
	started chan struct{}

	mu       sync.Mutex
	calls    int
	workDirs []string
	agents   []*agent.Handle
}

func (f *fakeProvider) Format() string { return f.format }

func (f *fakeProvider) Package(ctx context.Context, fc packaging.FormatContext) (packaging.FormatResult, error) {
	f.mu.Lock()
	f.calls++
	f.workDirs = append(f.workDirs, fc.WorkingDirectory)
	f.agents = append(f.agents, agent.Current(ctx))
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return packaging.FormatResult{}, ctx.Err()
		}
	}
	if f.panics {
		panic("tool crashed")
	}
	if f.err != nil {
		return packaging.FormatResult{}, f.err
	}
	dir := fc.Request.OutputDirectory
	if f.inWorkDir {
		dir = filepath.Join(fc.WorkingDirectory, "out")
	}
	return packaging.FormatResult{
		Artifacts: []packaging.Artifact{{Format: f.format, Path: filepath.Join(dir, "app."+f.format)}},
		Issues:    f.issues,
	}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingBroker wraps a broker and counts releases.
type countingBroker struct {
	inner    agent.Broker
	mu       sync.Mutex
	acquired int
	released int
}

func (b *countingBroker) Acquire(ctx context.Context, platform packaging.Platform, reqs map[string]string) (*agent.Handle, error) {
	h, err := b.inner.Acquire(ctx, platform, reqs)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.acquired++
	b.mu.Unlock()
	return agent.NewHandle(h.Name(), h.Platform(), h.Capabilities(), func() {
		b.mu.Lock()
		b.released++
		b.mu.Unlock()
		h.Release()
	}), nil
}

func (b *countingBroker) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired, b.released
}

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) Record(ev telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) named(name string) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, policy.EvaluationContext) (policy.Result, error) {
	return policy.Result{}, errors.New("policy backend down")
}

type fixture struct {
	store  *projectstore.MemoryStore
	broker *countingBroker
	sink   *recordingSink
	tmp    string
	out    string
}

func newFixture(t *testing.T, platform packaging.Platform) *fixture {
	t.Helper()
	store := projectstore.NewMemoryStore()
	store.Put(packaging.Project{
		ID:       "contoso",
		Name:     "Contoso App",
		Version:  "2.1.0",
		Metadata: map[string]string{},
		Platforms: map[packaging.Platform]packaging.PlatformConfig{
			platform: {Formats: []string{"msix"}},
		},
	})
	return &fixture{
		store:  store,
		broker: &countingBroker{inner: agent.NewLocalBroker(platform)},
		sink:   &recordingSink{},
		tmp:    t.TempDir(),
		out:    t.TempDir(),
	}
}

func (f *fixture) pipeline(t *testing.T, platform packaging.Platform, mutate func(*Config), providers ...packaging.FormatProvider) *Pipeline {
	t.Helper()
	cfg := Config{
		Platform:  platform,
		Projects:  f.store,
		Broker:    f.broker,
		Providers: providers,
		Telemetry: telemetry.NewSinkChannel(f.sink),
		Options:   Options{TempDir: f.tmp, OutputDir: f.out},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func (f *fixture) assertCleanedUp(t *testing.T) {
	t.Helper()
	acquired, released := f.broker.counts()
	assert.Equal(t, acquired, released, "every leased agent is released")
	entries, err := os.ReadDir(f.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directories are removed")
}

func request(formats ...string) packaging.Request {
	return packaging.Request{
		JobID:     "job-1",
		ProjectID: "contoso",
		Platform:  packaging.PlatformWindows,
		Formats:   formats,
	}
}

func issueCodes(issues []packaging.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestMissingProviderIsDroppedSilently(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)

	res, err := p.Execute(context.Background(), request("msix", "msi"))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Empty(t, res.Issues)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "msix", res.Artifacts[0].Format)
	f.assertCleanedUp(t)
}

func TestUnmatchedFormatWarnings(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, func(c *Config) {
		c.Options.UnmatchedFormatWarnings = true
	}, &fakeProvider{format: "msix"})

	res, err := p.Execute(context.Background(), request("MSIX", "msi", "appx"))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, []string{packaging.CodeFormatUnmatched, packaging.CodeFormatUnmatched}, issueCodes(res.Issues))
	assert.Contains(t, res.Issues[0].Message, "appx")
}

func TestPolicyBlockReturnsVerdictVerbatim(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	project, err := f.store.Load(context.Background(), "contoso")
	require.NoError(t, err)
	project.Metadata[policy.KeySigningRequired] = "true"
	f.store.Put(project)

	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)
	req := request("msix")

	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Empty(t, res.Artifacts)
	assert.Zero(t, msix.callCount(), "no provider runs when policy blocks")

	verdict, err := policy.NewEvaluator().Evaluate(context.Background(), policy.EvaluationContext{
		Project: project, Request: req.WithDefaults(project.Platforms[packaging.PlatformWindows]),
	})
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	assert.Equal(t, verdict.Issues, res.Issues)
	assert.Equal(t, []string{policy.CodeSigningMissing}, issueCodes(res.Issues))

	acquired, _ := f.broker.counts()
	assert.Zero(t, acquired, "blocked runs never lease an agent")
	f.assertCleanedUp(t)
}

func TestProviderFailureIsIsolated(t *testing.T) {
	f := newFixture(t, packaging.PlatformMacOS)
	dmg := &fakeProvider{format: "dmg", panics: true}
	pkg := &fakeProvider{format: "pkg"}
	p := f.pipeline(t, packaging.PlatformMacOS, nil, dmg, pkg)
	req := request("pkg", "dmg")
	req.Platform = packaging.PlatformMacOS

	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success())
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "pkg", res.Artifacts[0].Format)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, packaging.ProviderFailedCode("dmg"), res.Issues[0].Code)
	assert.Equal(t, packaging.SeverityError, res.Issues[0].Severity)
	f.assertCleanedUp(t)

	deps := f.sink.named("format.dmg")
	require.Len(t, deps, 1)
	assert.False(t, deps[0].Success)
	deps = f.sink.named("format.pkg")
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Success)
}

func TestProviderErrorAndIssues(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	failing := &fakeProvider{format: "msi", err: errors.New("wix crashed")}
	warned := &fakeProvider{format: "msix", issues: []packaging.Issue{packaging.NewError("tool_failed", "makeappx exited 1")}}
	p := f.pipeline(t, packaging.PlatformWindows, nil, warned, failing)

	res, err := p.Execute(context.Background(), request("msi", "msix"))
	require.NoError(t, err)
	assert.Equal(t, []string{"tool_failed", packaging.ProviderFailedCode("msi")}, issueCodes(res.Issues),
		"providers run in registration order")
	assert.Len(t, res.Artifacts, 1)

	// A provider reporting its own Error still counts as a successful invocation.
	deps := f.sink.named("format.msix")
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Success)
}

func TestNoProviders(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})

	res, err := p.Execute(context.Background(), request("msi"))
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodeNoProviders}, issueCodes(res.Issues))
	acquired, released := f.broker.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	f.assertCleanedUp(t)
}

func TestFormatsDefaultToPlatformConfig(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)

	res, err := p.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, 1, msix.callCount())
}

func TestEarlyFailures(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})

	req := request("msix")
	req.Platform = packaging.PlatformLinux
	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodePlatformMismatch}, issueCodes(res.Issues))

	req = request("msix")
	req.ProjectID = "ghost"
	res, err = p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodeProjectNotFound}, issueCodes(res.Issues))

	p = f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Evaluator = failingEvaluator{} }, &fakeProvider{format: "msix"})
	res, err = p.Execute(context.Background(), request("msix"))
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodePolicyEvaluationFailed}, issueCodes(res.Issues))

	f.assertCleanedUp(t)
}

func TestAgentUnavailable(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	broker, err := agent.NewPoolBroker(nil, nil)
	require.NoError(t, err)
	p := f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Broker = broker }, &fakeProvider{format: "msix"})

	res, err := p.Execute(context.Background(), request("msix"))
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodeAgentUnavailable}, issueCodes(res.Issues))
	f.assertCleanedUp(t)
}

func TestAgentIsScopedToRun(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)

	scope := agent.NewScope()
	caller := agent.NewHandle("caller", packaging.PlatformWindows, nil, nil)
	popCaller := scope.Push(caller)
	defer popCaller()
	ctx := agent.WithScope(context.Background(), scope)
	_, err := p.Execute(ctx, request("msix"))
	require.NoError(t, err)

	require.Len(t, msix.agents, 1)
	require.NotNil(t, msix.agents[0])
	assert.Equal(t, "local", msix.agents[0].Name(), "the provider sees the run's own lease")
	assert.Equal(t, 1, scope.Depth(), "the caller's scope is left as it was")
	assert.Same(t, caller, scope.Current())
}

func TestConcurrentRunsShareParentScope(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	first := &fakeProvider{format: "msix", block: make(chan struct{}), started: make(chan struct{})}
	second := &fakeProvider{format: "msix"}
	p1 := f.pipeline(t, packaging.PlatformWindows, nil, first)
	p2 := f.pipeline(t, packaging.PlatformWindows, nil, second)

	scope := agent.NewScope()
	ctx := agent.WithScope(context.Background(), scope)

	done := make(chan error, 1)
	go func() {
		req := request("msix")
		req.JobID = "job-a"
		_, err := p1.Execute(ctx, req)
		done <- err
	}()
	select {
	case <-first.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	req := request("msix")
	req.JobID = "job-b"
	_, err := p2.Execute(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, scope.Depth())

	close(first.block)
	require.NoError(t, <-done)
	require.Len(t, first.agents, 1)
	require.Len(t, second.agents, 1)
	assert.NotNil(t, first.agents[0])
	assert.NotNil(t, second.agents[0])
	f.assertCleanedUp(t)
}

func TestCancellationReleasesEverything(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	blocking := &fakeProvider{format: "msix", block: make(chan struct{}), started: make(chan struct{})}
	p := f.pipeline(t, packaging.PlatformWindows, nil, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, request("msix"))
		done <- err
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled run did not return")
	}
	f.assertCleanedUp(t)

	completed := f.sink.named(telemetry.EventPipelineCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, string(telemetry.StatusCancelled), completed[0].Properties["status"])
	assert.Empty(t, f.sink.named(telemetry.EventPipelineArtifact))
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Execute(ctx, request("msix"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, msix.callCount())
	f.assertCleanedUp(t)
}

func TestCompletedTelemetry(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"}, &fakeProvider{format: "appx"})
	req := request("msix", "appx")
	req.Properties = map[string]string{"channel": "beta"}

	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	completed := f.sink.named(telemetry.EventPipelineCompleted)
	require.Len(t, completed, 1)
	props := completed[0].Properties
	assert.Equal(t, "job-1", props["jobId"])
	assert.Equal(t, "Contoso App", props["displayName"])
	assert.Equal(t, "beta", props["channel"])
	assert.Equal(t, "Succeeded", props["status"])
	assert.Equal(t, "0", props["blockingIssues"])

	artifacts := f.sink.named(telemetry.EventPipelineArtifact)
	require.Len(t, artifacts, 2)
	for _, ev := range artifacts {
		assert.Equal(t, "job-1", ev.Properties["jobId"])
		assert.Equal(t, "contoso", ev.Properties["projectId"])
		assert.Equal(t, "windows", ev.Properties["platform"])
		assert.Equal(t, "beta", ev.Properties["channel"])
		assert.NotEmpty(t, ev.Properties["format"])
		assert.NotEmpty(t, ev.Properties["path"])
	}

	agg := telemetry.NewAggregator(0)
	for _, ev := range f.sink.events {
		agg.Record(ev)
	}
	snap, err := agg.Snapshot(context.Background(), telemetry.Query{})
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Len(t, snap.Jobs[0].Artifacts, 2)
}

func TestInvalidVersionWarning(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	project, err := f.store.Load(context.Background(), "contoso")
	require.NoError(t, err)
	project.Version = "latest"
	f.store.Put(project)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})

	res, err := p.Execute(context.Background(), request("msix"))
	require.NoError(t, err)
	assert.True(t, res.Success(), "a warning does not fail the run")
	assert.Equal(t, []string{packaging.CodeInvalidVersion}, issueCodes(res.Issues))
}

func TestVerifyFlag(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})
	req := request("msix")
	req.Properties = map[string]string{"verify": "yes"}

	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	// The fake provider reports a path it never wrote.
	assert.False(t, res.Success())
	assert.Equal(t, []string{"verify.missing"}, issueCodes(res.Issues))
}

func TestAuditFlag(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	svc := audit.NewService()
	p := f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Audit = svc }, &fakeProvider{format: "msix"})
	req := request("msix")
	req.Properties = map[string]string{"audit": "true"}
	ctx := identity.WithPrincipal(context.Background(), identity.Principal{ID: "u-7", DisplayName: "Release Bot"})

	res, err := p.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success())

	snaps := svc.Snapshots("contoso")
	require.Len(t, snaps, 1)
	assert.Equal(t, "Release Bot", snaps[0].Author)
	assert.Equal(t, "packaging run job-1", snaps[0].Comment)

	p = f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})
	res, err = p.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, []string{CodeAuditUnavailable}, issueCodes(res.Issues))
}

func TestWorkingDirectoryIsPrivate(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	msix := &fakeProvider{format: "msix"}
	p := f.pipeline(t, packaging.PlatformWindows, nil, msix)

	for i := 0; i < 2; i++ {
		_, err := p.Execute(context.Background(), request("msix"))
		require.NoError(t, err)
	}
	require.Len(t, msix.workDirs, 2)
	assert.NotEqual(t, msix.workDirs[0], msix.workDirs[1])
	for _, dir := range msix.workDirs {
		assert.Equal(t, f.tmp, filepath.Dir(dir))
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	}
}

// writingRunner stands in for a packaging tool by writing its last argument.
func writingRunner(content string) toolexec.Runner {
	return toolexec.RunnerFunc(func(_ context.Context, cmd toolexec.Command) (toolexec.Result, error) {
		out := cmd.Args[len(cmd.Args)-1]
		if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
			return toolexec.Result{}, err
		}
		return toolexec.Result{}, nil
	})
}

func toolProvider() *providers.ToolProvider {
	return providers.NewToolProvider(providers.Spec{
		Format:   "msix",
		Platform: packaging.PlatformWindows,
		Tool:     "makeappx",
		Args:     []string{"pack", "{{.Output}}"},
		Output:   "app.msix",
	}, writingRunner("MSIX"), nil)
}

func sourcedRequest() packaging.Request {
	req := request("msix")
	req.Properties = map[string]string{providers.PropSourceDir: "/src/contoso"}
	return req
}

func TestArtifactsOutliveRun(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, toolProvider())

	res, err := p.Execute(context.Background(), sourcedRequest())
	require.NoError(t, err)
	require.True(t, res.Success(), res.Issues)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, filepath.Join(f.out, "job-1", "app.msix"), res.Artifacts[0].Path)

	data, err := os.ReadFile(res.Artifacts[0].Path)
	require.NoError(t, err, "the artifact exists after Execute returns")
	assert.Equal(t, "MSIX", string(data))
	f.assertCleanedUp(t)

	outDir := t.TempDir()
	req := sourcedRequest()
	req.JobID = "job-2"
	req.OutputDirectory = outDir
	res, err = p.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, filepath.Join(outDir, "app.msix"), res.Artifacts[0].Path, "an explicit output directory wins")
}

func TestRunWithoutOutputDirectory(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Options.OutputDir = "" }, toolProvider())

	res, err := p.Execute(context.Background(), sourcedRequest())
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, []string{providers.CodeOutputUnset}, issueCodes(res.Issues))
	f.assertCleanedUp(t)
}

func TestArtifactInWorkingDirectoryIsRejected(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix", inWorkDir: true}, &fakeProvider{format: "appx"})

	res, err := p.Execute(context.Background(), request("msix", "appx"))
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, []string{packaging.CodeArtifactInWorkdir}, issueCodes(res.Issues))
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "appx", res.Artifacts[0].Format)
	assert.Len(t, f.sink.named(telemetry.EventPipelineArtifact), 1)
}

type panickingVerifier struct{}

func (panickingVerifier) Verify(context.Context, packaging.Artifact) (packaging.Artifact, []packaging.Issue) {
	panic("verifier bug")
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(context.Context, policy.EvaluationContext) (policy.Result, error) {
	panic("evaluator bug")
}

func TestPanicsBecomeIssues(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	p := f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Verifier = panickingVerifier{} }, &fakeProvider{format: "msix"})
	req := request("msix")
	req.Properties = map[string]string{"verify": "true"}

	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, []string{packaging.CodeInternalError}, issueCodes(res.Issues))
	assert.Contains(t, res.Issues[0].Message, "verifier bug")
	f.assertCleanedUp(t)

	completed := f.sink.named(telemetry.EventPipelineCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, string(telemetry.StatusFailed), completed[0].Properties["status"])

	p = f.pipeline(t, packaging.PlatformWindows, func(c *Config) { c.Evaluator = panickingEvaluator{} }, &fakeProvider{format: "msix"})
	res, err = p.Execute(context.Background(), request("msix"))
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodeInternalError}, issueCodes(res.Issues))
	f.assertCleanedUp(t)
}

func TestSet(t *testing.T) {
	f := newFixture(t, packaging.PlatformWindows)
	win := f.pipeline(t, packaging.PlatformWindows, nil, &fakeProvider{format: "msix"})
	set, err := NewSet(telemetry.NewSinkChannel(f.sink), win)
	require.NoError(t, err)
	assert.Equal(t, []packaging.Platform{packaging.PlatformWindows}, set.Platforms())

	res, err := set.Execute(context.Background(), request("msix"))
	require.NoError(t, err)
	assert.True(t, res.Success())

	req := request("deb")
	req.Platform = packaging.PlatformLinux
	req.JobID = "job-2"
	res, err = set.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{packaging.CodePlatformMismatch}, issueCodes(res.Issues))

	completed := f.sink.named(telemetry.EventPipelineCompleted)
	require.Len(t, completed, 2, "an unserved platform still reports a completed run")
	last := completed[1].Properties
	assert.Equal(t, "job-2", last["jobId"])
	assert.Equal(t, "linux", last["platform"])
	assert.Equal(t, string(telemetry.StatusFailed), last["status"])
	assert.Equal(t, "1", last["blockingIssues"])

	_, err = NewSet(nil, win, f.pipeline(t, packaging.PlatformWindows, nil))
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Platform: "amiga", Projects: projectstore.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(Config{Platform: packaging.PlatformLinux})
	assert.Error(t, err)
}
