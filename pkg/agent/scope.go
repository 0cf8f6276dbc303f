package agent

import (
	"context"
	"sync"
)

// Scope is a stack of active leases. Pushing a handle makes it the current
// agent until the returned pop function runs; pops restore the previous
// value, so nested scopes unwind in LIFO order. A child scope falls back to
// its parent's current agent while its own stack is empty.
type Scope struct {
	mu     sync.Mutex
	stack  []*Handle
	parent *Scope
}

func NewScope() *Scope { return &Scope{} }

// Child returns an empty scope chained to s. Pushes and pops on the child
// never touch s. Child on a nil scope returns a root scope.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s}
}

// Push makes h current. The returned pop is idempotent; popping an outer
// entry also discards anything pushed above it.
func (s *Scope) Push(h *Handle) (pop func()) {
	s.mu.Lock()
	depth := len(s.stack)
	s.stack = append(s.stack, h)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if len(s.stack) > depth {
				clear(s.stack[depth:])
				s.stack = s.stack[:depth]
			}
			s.mu.Unlock()
		})
	}
}

// Current returns the innermost handle, consulting parents when this scope
// is empty, or nil.
func (s *Scope) Current() *Handle {
	s.mu.Lock()
	n := len(s.stack)
	if n > 0 {
		h := s.stack[n-1]
		s.mu.Unlock()
		return h
	}
	parent := s.parent
	s.mu.Unlock()
	if parent == nil {
		return nil
	}
	return parent.Current()
}

// Depth returns the number of handles pushed on this scope, excluding
// parents.
func (s *Scope) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

type scopeCtxKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

// ScopeFromContext returns the scope carried by ctx, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeCtxKey{}).(*Scope)
	return s
}

// Current returns the current agent of the scope carried by ctx, or nil.
func Current(ctx context.Context) *Handle {
	if s := ScopeFromContext(ctx); s != nil {
		return s.Current()
	}
	return nil
}
