// Package agent leases build agents to packaging runs and publishes the
// current lease to tool-invocation code through an explicit scope.
package agent

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// ErrNoAgent is returned when no registered agent serves the platform and
// requirements of an acquisition.
var ErrNoAgent = errors.New("no build agent available")

// Well-known capability keys.
const (
	CapOS        = "os"
	CapArch      = "arch"
	CapMode      = "mode"
	CapTransport = "transport"
)

// Handle is an exclusive lease on one build agent for one run. Release
// returns the lease and is safe to call more than once.
type Handle struct {
	name         string
	leaseID      string
	platform     packaging.Platform
	capabilities map[string]string

	once    sync.Once
	release func()
}

// NewHandle builds a handle; release is invoked exactly once.
func NewHandle(name string, platform packaging.Platform, caps map[string]string, release func()) *Handle {
	return &Handle{
		name:         name,
		leaseID:      uuid.NewString(),
		platform:     platform,
		capabilities: maps.Clone(caps),
		release:      release,
	}
}

func (h *Handle) Name() string                 { return h.name }
func (h *Handle) LeaseID() string              { return h.leaseID }
func (h *Handle) Platform() packaging.Platform { return h.platform }

// Capabilities returns a copy of the capability map.
func (h *Handle) Capabilities() map[string]string {
	return maps.Clone(h.capabilities)
}

// Capability returns a single capability value.
func (h *Handle) Capability(key string) (string, bool) {
	v, ok := h.capabilities[key]
	return v, ok
}

// Release returns the lease to its broker.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Broker hands out agent leases.
type Broker interface {
	// Acquire blocks until an agent serving platform and matching every
	// requirement is free, ctx is done, or no such agent exists at all.
	Acquire(ctx context.Context, platform packaging.Platform, requirements map[string]string) (*Handle, error)
}
