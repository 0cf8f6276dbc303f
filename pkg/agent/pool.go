package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// Definition describes one agent known to a PoolBroker.
type Definition struct {
	Name     string             `mapstructure:"name" yaml:"name"`
	Platform packaging.Platform `mapstructure:"platform" yaml:"platform"`
	// Slots bounds concurrent leases. Zero or negative means unlimited.
	Slots        int               `mapstructure:"slots" yaml:"slots"`
	Capabilities map[string]string `mapstructure:"capabilities" yaml:"capabilities"`
}

type poolAgent struct {
	def    Definition
	active int
}

func (a *poolAgent) free() bool {
	return a.def.Slots <= 0 || a.active < a.def.Slots
}

func (a *poolAgent) matches(platform packaging.Platform, reqs map[string]string) bool {
	if a.def.Platform != platform {
		return false
	}
	for k, want := range reqs {
		if got, ok := a.def.Capabilities[k]; !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// PoolBroker leases agents from a fixed pool, round-robin per platform.
type PoolBroker struct {
	mu      sync.Mutex
	agents  []*poolAgent
	cursor  map[packaging.Platform]int
	changed chan struct{}
	logger  *slog.Logger
}

// NewPoolBroker creates a broker over defs.
func NewPoolBroker(defs []Definition, logger *slog.Logger) (*PoolBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &PoolBroker{
		cursor:  make(map[packaging.Platform]int),
		changed: make(chan struct{}),
		logger:  logger,
	}
	seen := make(map[string]bool)
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("agent definition without name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate agent %q", d.Name)
		}
		p, err := packaging.ParsePlatform(string(d.Platform))
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", d.Name, err)
		}
		seen[d.Name] = true
		d.Platform = p
		b.agents = append(b.agents, &poolAgent{def: d})
	}
	return b, nil
}

// NewLocalBroker returns a broker with one unlimited agent for the host.
func NewLocalBroker(platform packaging.Platform) *PoolBroker {
	b, _ := NewPoolBroker([]Definition{LocalDefinition(platform)}, nil)
	return b
}

// LocalDefinition describes the host as an unlimited local agent.
func LocalDefinition(platform packaging.Platform) Definition {
	return Definition{
		Name:     "local",
		Platform: platform,
		Capabilities: map[string]string{
			CapOS:   runtime.GOOS,
			CapArch: runtime.GOARCH,
			CapMode: "local",
		},
	}
}

// Acquire implements Broker.
func (b *PoolBroker) Acquire(ctx context.Context, platform packaging.Platform, reqs map[string]string) (*Handle, error) {
	for {
		b.mu.Lock()
		var candidates []*poolAgent
		for _, a := range b.agents {
			if a.matches(platform, reqs) {
				candidates = append(candidates, a)
			}
		}
		if len(candidates) == 0 {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w for platform %s", ErrNoAgent, platform)
		}

		start := b.cursor[platform]
		for i := range candidates {
			a := candidates[(start+i)%len(candidates)]
			if !a.free() {
				continue
			}
			a.active++
			b.cursor[platform] = (start + i + 1) % len(candidates)
			b.mu.Unlock()

			b.logger.Debug("agent leased", "agent", a.def.Name, "platform", platform)
			return NewHandle(a.def.Name, platform, a.def.Capabilities, func() { b.release(a) }), nil
		}

		wait := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (b *PoolBroker) release(a *poolAgent) {
	b.mu.Lock()
	a.active--
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
	b.logger.Debug("agent released", "agent", a.def.Name)
}

// Status is a point-in-time view of one pooled agent.
type Status struct {
	Name     string             `json:"name"`
	Platform packaging.Platform `json:"platform"`
	Slots    int                `json:"slots"`
	Active   int                `json:"active"`
}

// Status reports pool usage.
func (b *PoolBroker) Status() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, Status{Name: a.def.Name, Platform: a.def.Platform, Slots: a.def.Slots, Active: a.active})
	}
	return out
}

// ParseRequirements parses "key=value,key=value" into a map.
func ParseRequirements(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid agent requirement %q, want key=value", part)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
