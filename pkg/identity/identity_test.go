package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	mu     sync.Mutex
	calls  int
	result Result
	err    error
}

func (p *countingProvider) Acquire(_ context.Context, _ []string) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	r := p.result
	return &r, nil
}

func TestResultValidFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := Result{Token: Token{ExpiresAt: now.Add(10 * time.Minute), Scopes: []string{"package", "audit"}}}

	assert.True(t, r.ValidFor(now, nil))
	assert.True(t, r.ValidFor(now, []string{"package"}))
	assert.True(t, r.ValidFor(now, []string{"audit", "package"}))
	assert.False(t, r.ValidFor(now, []string{"package", "admin"}), "scopes must be a superset")

	// Inside the safety margin the token is treated as expired.
	assert.False(t, r.ValidFor(now.Add(9*time.Minute+30*time.Second), nil))
	assert.True(t, r.ValidFor(now.Add(8*time.Minute), nil))
}

func TestCachingProviderReusesValidResult(t *testing.T) {
	now := time.Now()
	inner := &countingProvider{result: Result{
		Principal: Principal{ID: "alice"},
		Token:     Token{ExpiresAt: now.Add(time.Hour), Scopes: []string{"package"}},
	}}
	c := NewCachingProvider(inner)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		res, err := c.Acquire(context.Background(), []string{"package"})
		require.NoError(t, err)
		assert.Equal(t, "alice", res.Principal.ID)
	}
	assert.Equal(t, 1, inner.calls)

	// A scope the cached token lacks forces a new acquisition.
	_, err := c.Acquire(context.Background(), []string{"admin"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingProviderReacquiresNearExpiry(t *testing.T) {
	now := time.Now()
	inner := &countingProvider{result: Result{Token: Token{ExpiresAt: now.Add(2 * time.Minute)}}}
	c := NewCachingProvider(inner)
	c.now = func() time.Time { return now }

	_, err := c.Acquire(context.Background(), nil)
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(90 * time.Second) }
	_, err = c.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	c.Invalidate()
	c.now = func() time.Time { return now }
	_, err = c.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachingProviderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{err: errors.New("offline")}
	c := NewCachingProvider(inner)

	_, err := c.Acquire(context.Background(), nil)
	assert.Error(t, err)
	_, err = c.Acquire(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestPrincipalHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"release-manager", "dev"}}
	assert.True(t, p.HasAnyRole("release-manager"))
	assert.True(t, p.HasAnyRole("ops", "dev"))
	assert.False(t, p.HasAnyRole("ops"))
	assert.False(t, p.HasAnyRole())
	assert.False(t, Principal{}.HasAnyRole("dev"))
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{ID: "bob"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "bob", p.ID)
}

func writePublicKey(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func TestJWTVerifierRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v, err := NewJWTVerifier(JWTConfig{PublicKeyPath: writePublicKey(t, key)})
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   "u-1",
		"name":  "Alice",
		"email": "alice@example.com",
		"roles": []string{"release-manager"},
		"scope": "package audit",
		"exp":   exp.Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	res, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", res.Principal.ID)
	assert.Equal(t, "Alice", res.Principal.DisplayName)
	assert.Equal(t, "alice@example.com", res.Principal.Email)
	assert.Equal(t, []string{"release-manager"}, res.Principal.Roles)
	assert.Equal(t, []string{"package", "audit"}, res.Token.Scopes)
	assert.True(t, res.Token.ExpiresAt.Equal(exp))

	// A token signed by another key is rejected.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "u-1"}).SignedString(other)
	require.NoError(t, err)
	_, err = v.Parse(forged)
	assert.Error(t, err)
}

func TestJWTVerifierUnverifiedMode(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{RolesClaim: "groups"})
	require.NoError(t, err)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "svc",
		"groups": "a, b",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	res, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "svc", res.Principal.DisplayName)
	assert.Equal(t, []string{"a", "b"}, res.Principal.Roles)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "svc",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Parse(expired)
	assert.Error(t, err)
}

func TestJWTProviderChecksScopes(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{})
	require.NoError(t, err)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ci",
		"scope": "package",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	p := NewJWTProvider(StaticTokenSource(raw), v)
	res, err := p.Acquire(context.Background(), []string{"package"})
	require.NoError(t, err)
	assert.Equal(t, "ci", res.Principal.ID)

	_, err = p.Acquire(context.Background(), []string{"admin"})
	assert.ErrorIs(t, err, ErrInsufficientScope)
}

func TestMiddlewareHeaders(t *testing.T) {
	var got Principal
	var found bool
	h := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, found = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Remote-User", "carol")
	req.Header.Set("X-Remote-Group", "dev, release-manager")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, found)
	assert.Equal(t, "carol", got.ID)
	assert.Equal(t, []string{"dev", "release-manager"}, got.Roles)

	found = false
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, found)
}

func TestMiddlewareRejectsInvalidBearer(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{})
	require.NoError(t, err)

	called := false
	h := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireRole("release-manager")(ok)

	serve := func(ctx context.Context) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx))
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(context.Background()))
	assert.Equal(t, http.StatusForbidden, serve(WithPrincipal(context.Background(), Principal{ID: "dev", Roles: []string{"dev"}})))
	assert.Equal(t, http.StatusNoContent, serve(WithPrincipal(context.Background(), Principal{ID: "rm", Roles: []string{"release-manager"}})))

	w := httptest.NewRecorder()
	RequireRole()(ok).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
