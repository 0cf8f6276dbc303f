package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/installerkit/installerkit/pkg/packaging"
)

func TestHandleReleaseOnce(t *testing.T) {
	var calls int32
	h := NewHandle("a", packaging.PlatformLinux, map[string]string{"os": "linux"}, func() { atomic.AddInt32(&calls, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.NotEmpty(t, h.LeaseID())
}

func TestHandleCapabilitiesAreStable(t *testing.T) {
	caps := map[string]string{"os": "linux"}
	h := NewHandle("a", packaging.PlatformLinux, caps, nil)

	caps["os"] = "windows"
	got := h.Capabilities()
	got["os"] = "darwin"

	v, ok := h.Capability("os")
	assert.True(t, ok)
	assert.Equal(t, "linux", v)
}

func TestPoolBrokerNoAgentForPlatform(t *testing.T) {
	b := NewLocalBroker(packaging.PlatformLinux)
	_, err := b.Acquire(context.Background(), packaging.PlatformWindows, nil)
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestPoolBrokerRequirements(t *testing.T) {
	b, err := NewPoolBroker([]Definition{
		{Name: "mac-x64", Platform: "macos", Capabilities: map[string]string{"arch": "amd64"}},
		{Name: "mac-arm", Platform: "osx", Capabilities: map[string]string{"arch": "arm64"}},
	}, nil)
	require.NoError(t, err)

	h, err := b.Acquire(context.Background(), packaging.PlatformMacOS, map[string]string{"arch": "ARM64"})
	require.NoError(t, err)
	assert.Equal(t, "mac-arm", h.Name())
	h.Release()

	_, err = b.Acquire(context.Background(), packaging.PlatformMacOS, map[string]string{"arch": "ppc"})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestPoolBrokerRoundRobin(t *testing.T) {
	b, err := NewPoolBroker([]Definition{
		{Name: "w1", Platform: packaging.PlatformWindows},
		{Name: "w2", Platform: packaging.PlatformWindows},
	}, nil)
	require.NoError(t, err)

	var names []string
	for i := 0; i < 4; i++ {
		h, err := b.Acquire(context.Background(), packaging.PlatformWindows, nil)
		require.NoError(t, err)
		names = append(names, h.Name())
		h.Release()
	}
	assert.Equal(t, []string{"w1", "w2", "w1", "w2"}, names)
}

func TestPoolBrokerWaitsForFreeSlot(t *testing.T) {
	b, err := NewPoolBroker([]Definition{{Name: "only", Platform: packaging.PlatformLinux, Slots: 1}}, nil)
	require.NoError(t, err)

	first, err := b.Acquire(context.Background(), packaging.PlatformLinux, nil)
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := b.Acquire(context.Background(), packaging.PlatformLinux, nil)
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lease granted while the only slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case h := <-acquired:
		assert.Equal(t, "only", h.Name())
		h.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}

	st := b.Status()
	require.Len(t, st, 1)
	assert.Equal(t, 0, st[0].Active)
}

func TestPoolBrokerWaitIsCancellable(t *testing.T) {
	b, err := NewPoolBroker([]Definition{{Name: "only", Platform: packaging.PlatformLinux, Slots: 1}}, nil)
	require.NoError(t, err)
	h, err := b.Acquire(context.Background(), packaging.PlatformLinux, nil)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, packaging.PlatformLinux, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewPoolBrokerValidates(t *testing.T) {
	_, err := NewPoolBroker([]Definition{{Name: "", Platform: "linux"}}, nil)
	assert.Error(t, err)
	_, err = NewPoolBroker([]Definition{{Name: "a", Platform: "linux"}, {Name: "a", Platform: "linux"}}, nil)
	assert.Error(t, err)
	_, err = NewPoolBroker([]Definition{{Name: "a", Platform: "amiga"}}, nil)
	assert.Error(t, err)
}

func TestLocalDefinitionCapabilities(t *testing.T) {
	d := LocalDefinition(packaging.PlatformLinux)
	assert.Equal(t, "local", d.Capabilities[CapMode])
	assert.NotEmpty(t, d.Capabilities[CapOS])
	assert.NotEmpty(t, d.Capabilities[CapArch])
	assert.Zero(t, d.Slots)
}

func TestParseRequirements(t *testing.T) {
	got, err := ParseRequirements(" arch=arm64, transport = ssh ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"arch": "arm64", "transport": "ssh"}, got)

	got, err = ParseRequirements("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseRequirements("arch")
	assert.Error(t, err)
}

func TestScopeLIFO(t *testing.T) {
	s := NewScope()
	assert.Nil(t, s.Current())

	outer := NewHandle("outer", packaging.PlatformLinux, nil, nil)
	inner := NewHandle("inner", packaging.PlatformLinux, nil, nil)

	popOuter := s.Push(outer)
	assert.Same(t, outer, s.Current())

	popInner := s.Push(inner)
	assert.Same(t, inner, s.Current())

	popInner()
	assert.Same(t, outer, s.Current())
	popInner()
	assert.Same(t, outer, s.Current(), "pop is idempotent")

	popOuter()
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.Depth())
}

func TestScopeOuterPopDiscardsNested(t *testing.T) {
	s := NewScope()
	popOuter := s.Push(NewHandle("outer", packaging.PlatformLinux, nil, nil))
	popInner := s.Push(NewHandle("inner", packaging.PlatformLinux, nil, nil))

	popOuter()
	assert.Nil(t, s.Current())

	// A late inner pop must not disturb a fresh push.
	fresh := NewHandle("fresh", packaging.PlatformLinux, nil, nil)
	s.Push(fresh)
	popInner()
	assert.Same(t, fresh, s.Current())
}

func TestCurrentFromContext(t *testing.T) {
	assert.Nil(t, Current(context.Background()))

	s := NewScope()
	ctx := WithScope(context.Background(), s)
	assert.Nil(t, Current(ctx))

	h := NewHandle("a", packaging.PlatformLinux, nil, nil)
	pop := s.Push(h)
	assert.Same(t, h, Current(ctx))
	pop()
	assert.Nil(t, Current(ctx))
}

func TestChildScopesAreIndependent(t *testing.T) {
	parent := NewScope()
	caller := NewHandle("caller", packaging.PlatformLinux, nil, nil)
	popCaller := parent.Push(caller)
	defer popCaller()

	a, b := parent.Child(), parent.Child()
	assert.Same(t, caller, a.Current(), "an empty child sees its parent's agent")

	ha := NewHandle("a", packaging.PlatformLinux, nil, nil)
	hb := NewHandle("b", packaging.PlatformLinux, nil, nil)
	popA := a.Push(ha)
	popB := b.Push(hb)
	assert.Equal(t, 1, parent.Depth())

	popA()
	assert.Same(t, hb, b.Current(), "popping one child leaves its sibling alone")
	assert.Same(t, caller, a.Current())
	assert.Same(t, caller, parent.Current())

	popB()
	assert.Same(t, caller, b.Current())

	var none *Scope
	root := none.Child()
	assert.Nil(t, root.Current())
}
