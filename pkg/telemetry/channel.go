// Package telemetry carries structured run events from the pipeline and
// format providers to sinks, and reduces them into dashboard snapshots.
package telemetry

import (
	"log/slog"
	"maps"
	"time"
)

// Known event names. Anything else is accepted and ignored by the
// aggregator.
const (
	EventPipelineCompleted     = "pipeline.completed"
	EventPipelineArtifact      = "pipeline.artifact"
	EventSigningSummary        = "signing.summary"
	EventDependencySummary     = "dependency.summary"
	EventReleaseChannelUpdated = "release.channel.updated"
)

// Kind distinguishes plain events from dependency timings.
type Kind string

const (
	KindEvent      Kind = "event"
	KindDependency Kind = "dependency"
)

// Event is one telemetry record.
type Event struct {
	Kind       Kind              `json:"kind"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	// Duration and Success are set for dependency events only.
	Duration time.Duration `json:"duration,omitempty"`
	Success  bool          `json:"success,omitempty"`
}

// Channel receives telemetry. Implementations must never block the caller
// for long and never fail it.
type Channel interface {
	TrackEvent(name string, properties map[string]string)
	TrackDependency(name string, duration time.Duration, success bool, properties map[string]string)
}

// Sink consumes fully formed events. Every Sink is usable as a Channel
// through SinkChannel.
type Sink interface {
	Record(ev Event)
}

// SinkChannel adapts a Sink to Channel, stamping each event.
type SinkChannel struct {
	Sink Sink
	now  func() time.Time
}

func NewSinkChannel(s Sink) *SinkChannel {
	return &SinkChannel{Sink: s, now: time.Now}
}

func (c *SinkChannel) TrackEvent(name string, properties map[string]string) {
	c.Sink.Record(Event{Kind: KindEvent, Name: name, Properties: maps.Clone(properties), Timestamp: c.now().UTC()})
}

func (c *SinkChannel) TrackDependency(name string, duration time.Duration, success bool, properties map[string]string) {
	c.Sink.Record(Event{
		Kind:       KindDependency,
		Name:       name,
		Properties: maps.Clone(properties),
		Timestamp:  c.now().UTC(),
		Duration:   duration,
		Success:    success,
	})
}

// FanOut forwards each event to every sink in order.
type FanOut []Sink

func (f FanOut) Record(ev Event) {
	for _, s := range f {
		s.Record(ev)
	}
}

// LogSink writes events to a slog logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event", ev.Name, "kind", string(ev.Kind)}
	if ev.Kind == KindDependency {
		attrs = append(attrs, "durationMs", ev.Duration.Milliseconds(), "success", ev.Success)
	}
	for k, v := range ev.Properties {
		attrs = append(attrs, k, v)
	}
	logger.Debug("telemetry", attrs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TrackEvent(string, map[string]string)                           {}
func (Nop) TrackDependency(string, time.Duration, bool, map[string]string) {}
func (Nop) Record(Event)                                                   {}
