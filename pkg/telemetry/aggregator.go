package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultMaxJobs caps a snapshot when the query does not set a positive cap.
const DefaultMaxJobs = 50

// DefaultRetainedJobs bounds how many job runs the aggregator keeps.
const DefaultRetainedJobs = 5000

// JobStatus is the normalized outcome of a job run.
type JobStatus string

const (
	StatusSucceeded JobStatus = "Succeeded"
	StatusFailed    JobStatus = "Failed"
	StatusCancelled JobStatus = "Cancelled"
	StatusUnknown   JobStatus = "Unknown"
)

// ParseStatus normalizes a status string.
func ParseStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success", "ok":
		return StatusSucceeded
	case "failed", "failure", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	}
	return StatusUnknown
}

func (s JobStatus) isFailure() bool {
	return s == StatusFailed || s == StatusCancelled || s == StatusUnknown
}

// ArtifactRecord is an artifact reported for a job run.
type ArtifactRecord struct {
	Format string `json:"format"`
	Path   string `json:"path"`
}

// JobRun summarizes one pipeline.completed event.
type JobRun struct {
	JobID           string           `json:"jobId"`
	ProjectID       string           `json:"projectId"`
	DisplayName     string           `json:"displayName"`
	Channel         string           `json:"channel"`
	Platform        string           `json:"platform"`
	Status          JobStatus        `json:"status"`
	DurationSeconds float64          `json:"durationSeconds"`
	CompletedAt     time.Time        `json:"completedAt"`
	BlockingIssues  int              `json:"blockingIssues"`
	Artifacts       []ArtifactRecord `json:"artifacts"`
}

type SigningSummary struct {
	JobID       string    `json:"jobId"`
	ProjectID   string    `json:"projectId"`
	Platform    string    `json:"platform"`
	Signer      string    `json:"signer"`
	SignedCount int       `json:"signedCount"`
	FailedCount int       `json:"failedCount"`
	Timestamped bool      `json:"timestamped"`
	CompletedAt time.Time `json:"completedAt"`
}

type DependencySummary struct {
	JobID                   string    `json:"jobId"`
	ProjectID               string    `json:"projectId"`
	Platform                string    `json:"platform"`
	TotalDependencies       int       `json:"totalDependencies"`
	VulnerableDependencies  int       `json:"vulnerableDependencies"`
	CriticalVulnerabilities int       `json:"criticalVulnerabilities"`
	ScannedAt               time.Time `json:"scannedAt"`
}

type ReleaseChannel struct {
	ProjectID string    `json:"projectId"`
	Channel   string    `json:"channel"`
	Version   string    `json:"version"`
	Platform  string    `json:"platform"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query narrows a snapshot.
type Query struct {
	// Channel filters jobs and release channels, case-insensitively.
	Channel string
	// FailuresOnly keeps Failed, Cancelled and Unknown jobs.
	FailuresOnly bool
	// MaxJobs caps the job list; non-positive means DefaultMaxJobs.
	MaxJobs int
}

// Totals counts the jobs in a snapshot by status.
type Totals struct {
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Unknown   int `json:"unknown"`
}

// Snapshot is a consistent point-in-time dashboard view.
type Snapshot struct {
	GeneratedAt  time.Time           `json:"generatedAt"`
	Jobs         []JobRun            `json:"jobs"`
	Signing      []SigningSummary    `json:"signing"`
	Dependencies []DependencySummary `json:"dependencies"`
	Channels     []ReleaseChannel    `json:"channels"`
	Totals       Totals              `json:"totals"`
}

// Export is a snapshot rendered for download.
type Export struct {
	Snapshot    Snapshot  `json:"snapshot"`
	GeneratedAt time.Time `json:"generatedAt"`
	ContentType string    `json:"contentType"`
	Content     []byte    `json:"-"`
}

type channelKey struct {
	projectID string
	channel   string
}

// Aggregator reduces events into dashboard state. Ingestion and snapshot
// construction share one mutex, so a snapshot never observes a partially
// applied event.
type Aggregator struct {
	mu          sync.Mutex
	jobs        map[string]JobRun
	artifacts   map[string][]ArtifactRecord
	signing     map[string]SigningSummary
	deps        map[string]DependencySummary
	channels    map[channelKey]ReleaseChannel
	maxRetained int
	now         func() time.Time
}

// NewAggregator creates an empty aggregator. maxRetained bounds the number
// of job runs kept; non-positive means DefaultRetainedJobs.
func NewAggregator(maxRetained int) *Aggregator {
	if maxRetained <= 0 {
		maxRetained = DefaultRetainedJobs
	}
	return &Aggregator{
		jobs:        make(map[string]JobRun),
		artifacts:   make(map[string][]ArtifactRecord),
		signing:     make(map[string]SigningSummary),
		deps:        make(map[string]DependencySummary),
		channels:    make(map[channelKey]ReleaseChannel),
		maxRetained: maxRetained,
		now:         time.Now,
	}
}

// Record implements Sink. Unknown event names and dependency events have
// no structural effect.
func (a *Aggregator) Record(ev Event) {
	if ev.Kind == KindDependency {
		return
	}
	p := props(ev.Properties)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Name {
	case EventPipelineCompleted:
		id := p.str("jobId")
		if id == "" {
			return
		}
		a.jobs[id] = JobRun{
			JobID:           id,
			ProjectID:       p.str("projectId"),
			DisplayName:     p.str("displayName"),
			Channel:         p.str("channel"),
			Platform:        p.str("platform"),
			Status:          ParseStatus(p.str("status")),
			DurationSeconds: p.decimal("durationSeconds"),
			CompletedAt:     p.when("completedAt", ts),
			BlockingIssues:  p.num("blockingIssues"),
		}
		// A new completion for the same job replaces its artifacts.
		delete(a.artifacts, id)
		a.prune()

	case EventPipelineArtifact:
		id := p.str("jobId")
		if id == "" {
			return
		}
		rec := ArtifactRecord{Format: p.str("format"), Path: p.str("path")}
		for _, existing := range a.artifacts[id] {
			if existing == rec {
				return
			}
		}
		a.artifacts[id] = append(a.artifacts[id], rec)
		if len(a.artifacts) > a.maxRetained {
			a.pruneOrphans(id)
		}

	case EventSigningSummary:
		id := p.str("jobId")
		if id == "" {
			return
		}
		a.signing[id] = SigningSummary{
			JobID:       id,
			ProjectID:   p.str("projectId"),
			Platform:    p.str("platform"),
			Signer:      p.str("signer"),
			SignedCount: p.num("signedCount"),
			FailedCount: p.num("failedCount"),
			Timestamped: p.flag("timestamped"),
			CompletedAt: p.when("completedAt", ts),
		}
		if len(a.signing) > a.maxRetained {
			a.pruneOrphans(id)
		}

	case EventDependencySummary:
		id := p.str("jobId")
		if id == "" {
			return
		}
		a.deps[id] = DependencySummary{
			JobID:                   id,
			ProjectID:               p.str("projectId"),
			Platform:                p.str("platform"),
			TotalDependencies:       p.num("totalDependencies"),
			VulnerableDependencies:  p.num("vulnerableDependencies"),
			CriticalVulnerabilities: p.num("criticalVulnerabilities"),
			ScannedAt:               p.when("scannedAt", ts),
		}
		if len(a.deps) > a.maxRetained {
			a.pruneOrphans(id)
		}

	case EventReleaseChannelUpdated:
		key := channelKey{projectID: p.str("projectId"), channel: strings.ToLower(p.str("channel"))}
		if key.projectID == "" || key.channel == "" {
			return
		}
		a.channels[key] = ReleaseChannel{
			ProjectID: key.projectID,
			Channel:   p.str("channel"),
			Version:   p.str("version"),
			Platform:  p.str("platform"),
			UpdatedBy: p.str("updatedBy"),
			UpdatedAt: p.when("updatedAt", ts),
		}
	}
}

// TrackEvent and TrackDependency let the aggregator stand in for a Channel.
func (a *Aggregator) TrackEvent(name string, properties map[string]string) {
	a.Record(Event{Kind: KindEvent, Name: name, Properties: properties, Timestamp: a.now().UTC()})
}

func (a *Aggregator) TrackDependency(string, time.Duration, bool, map[string]string) {}

// prune drops the oldest job runs beyond maxRetained. Caller holds mu.
func (a *Aggregator) prune() {
	excess := len(a.jobs) - a.maxRetained
	if excess <= 0 {
		return
	}
	runs := make([]JobRun, 0, len(a.jobs))
	for _, j := range a.jobs {
		runs = append(runs, j)
	}
	sortRuns(runs)
	for _, j := range runs[len(runs)-excess:] {
		delete(a.jobs, j.JobID)
		delete(a.artifacts, j.JobID)
		delete(a.signing, j.JobID)
		delete(a.deps, j.JobID)
	}
}

// pruneOrphans drops per-job records whose job never completed, except
// those of keep, whose completion may still be on its way. Caller holds mu.
func (a *Aggregator) pruneOrphans(keep string) {
	for id := range a.artifacts {
		if _, ok := a.jobs[id]; !ok && id != keep {
			delete(a.artifacts, id)
		}
	}
	for id := range a.signing {
		if _, ok := a.jobs[id]; !ok && id != keep {
			delete(a.signing, id)
		}
	}
	for id := range a.deps {
		if _, ok := a.jobs[id]; !ok && id != keep {
			delete(a.deps, id)
		}
	}
}

// Snapshot builds a dashboard view for q.
func (a *Aggregator) Snapshot(ctx context.Context, q Query) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	maxJobs := q.MaxJobs
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		GeneratedAt:  a.now().UTC(),
		Jobs:         []JobRun{},
		Signing:      []SigningSummary{},
		Dependencies: []DependencySummary{},
		Channels:     []ReleaseChannel{},
	}

	for _, j := range a.jobs {
		if q.Channel != "" && !strings.EqualFold(j.Channel, q.Channel) {
			continue
		}
		if q.FailuresOnly && !j.Status.isFailure() {
			continue
		}
		if arts := a.artifacts[j.JobID]; len(arts) > 0 {
			j.Artifacts = append([]ArtifactRecord(nil), arts...)
		} else {
			j.Artifacts = []ArtifactRecord{}
		}
		snap.Jobs = append(snap.Jobs, j)
	}
	sortRuns(snap.Jobs)
	if len(snap.Jobs) > maxJobs {
		snap.Jobs = snap.Jobs[:maxJobs]
	}

	for _, j := range snap.Jobs {
		if s, ok := a.signing[j.JobID]; ok {
			snap.Signing = append(snap.Signing, s)
		}
		if d, ok := a.deps[j.JobID]; ok {
			snap.Dependencies = append(snap.Dependencies, d)
		}
		snap.Totals.Jobs++
		switch j.Status {
		case StatusSucceeded:
			snap.Totals.Succeeded++
		case StatusFailed:
			snap.Totals.Failed++
		case StatusCancelled:
			snap.Totals.Cancelled++
		default:
			snap.Totals.Unknown++
		}
	}

	for _, c := range a.channels {
		if q.Channel != "" && !strings.EqualFold(c.Channel, q.Channel) {
			continue
		}
		snap.Channels = append(snap.Channels, c)
	}
	sortChannels(snap.Channels)

	return snap, nil
}

// Export renders the snapshot for q as indented JSON.
func (a *Aggregator) Export(ctx context.Context, q Query) (Export, error) {
	snap, err := a.Snapshot(ctx, q)
	if err != nil {
		return Export{}, err
	}
	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return Export{
		Snapshot:    snap,
		GeneratedAt: snap.GeneratedAt,
		ContentType: "application/json",
		Content:     content,
	}, nil
}

// sortRuns orders by completion time descending, then job id.
func sortRuns(runs []JobRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CompletedAt.Equal(runs[j].CompletedAt) {
			return runs[i].CompletedAt.After(runs[j].CompletedAt)
		}
		return runs[i].JobID < runs[j].JobID
	})
}

// sortChannels orders by project, then newest semantic version first.
// Channels whose version does not parse follow, then ties break by name.
func sortChannels(channels []ReleaseChannel) {
	versions := make(map[string]*semver.Version, len(channels))
	for _, c := range channels {
		if v, err := semver.NewVersion(c.Version); err == nil {
			versions[c.Version] = v
		}
	}
	sort.SliceStable(channels, func(i, j int) bool {
		a, b := channels[i], channels[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		va, vb := versions[a.Version], versions[b.Version]
		switch {
		case va != nil && vb != nil && !va.Equal(vb):
			return va.GreaterThan(vb)
		case va != nil && vb == nil:
			return true
		case va == nil && vb != nil:
			return false
		}
		return strings.ToLower(a.Channel) < strings.ToLower(b.Channel)
	})
}

type props map[string]string

func (p props) str(k string) string { return strings.TrimSpace(p[k]) }

func (p props) num(k string) int {
	n, err := strconv.Atoi(p.str(k))
	if err != nil {
		return 0
	}
	return n
}

func (p props) decimal(k string) float64 {
	f, err := strconv.ParseFloat(p.str(k), 64)
	if err != nil {
		return 0
	}
	return f
}

func (p props) flag(k string) bool {
	b, err := strconv.ParseBool(p.str(k))
	return err == nil && b
}

func (p props) when(k string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, p.str(k)); err == nil {
		return t.UTC()
	}
	return fallback
}
