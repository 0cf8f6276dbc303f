package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/telemetry"
)

// Executor runs packaging requests.
type Executor interface {
	Execute(ctx context.Context, req packaging.Request) (packaging.Result, error)
}

// Set dispatches requests to the pipeline registered for their platform.
type Set struct {
	pipelines map[packaging.Platform]*Pipeline
	telemetry telemetry.Channel
}

// NewSet builds a Set. tel receives the completion event of requests no
// pipeline accepts; nil discards it. Registering two pipelines for one
// platform is an error.
func NewSet(tel telemetry.Channel, pipelines ...*Pipeline) (*Set, error) {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	s := &Set{pipelines: make(map[packaging.Platform]*Pipeline, len(pipelines)), telemetry: tel}
	for _, p := range pipelines {
		if _, dup := s.pipelines[p.Platform()]; dup {
			return nil, fmt.Errorf("duplicate pipeline for platform %s", p.Platform())
		}
		s.pipelines[p.Platform()] = p
	}
	return s, nil
}

// Get returns the pipeline for platform.
func (s *Set) Get(platform packaging.Platform) (*Pipeline, bool) {
	p, ok := s.pipelines[platform]
	return p, ok
}

// Platforms lists the served platforms in canonical order.
func (s *Set) Platforms() []packaging.Platform {
	var out []packaging.Platform
	for _, p := range packaging.Platforms {
		if _, ok := s.pipelines[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Execute implements Executor. A platform without a pipeline fails with
// platform_mismatch and is reported as a failed run, like a mismatch inside
// a pipeline.
func (s *Set) Execute(ctx context.Context, req packaging.Request) (packaging.Result, error) {
	p, ok := s.pipelines[req.Platform]
	if ok {
		return p.Execute(ctx, req)
	}

	start := time.Now()
	req = req.Clone()
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	res := packaging.Failed(packaging.NewError(packaging.CodePlatformMismatch,
		fmt.Sprintf("no pipeline is registered for platform %q", req.Platform)))
	emitCompleted(s.telemetry, &run{req: req}, telemetry.StatusFailed, res, start, time.Now())
	return res, nil
}
