package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures token parsing.
type JWTConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key used for RS256
	// verification. If empty, tokens are parsed without verification
	// (trusted proxy mode).
	PublicKeyPath string

	// Issuer and Audience are validated when non-empty.
	Issuer   string
	Audience string

	// RolesClaim names the claim holding the role list. Default "roles".
	RolesClaim string

	Logger *slog.Logger
}

// JWTVerifier turns bearer tokens into identity results.
type JWTVerifier struct {
	cfg       JWTConfig
	publicKey *rsa.PublicKey
}

// NewJWTVerifier creates a verifier, loading the public key if configured.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v := &JWTVerifier{cfg: cfg}
	if cfg.PublicKeyPath == "" {
		cfg.Logger.Warn("identity: no JWT public key configured, tokens parsed without verification")
		return v, nil
	}

	keyData, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key from %s: %w", cfg.PublicKeyPath, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", cfg.PublicKeyPath)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	v.publicKey = rsaKey
	return v, nil
}

// Parse validates raw and maps its claims onto a Result.
func (v *JWTVerifier) Parse(raw string) (*Result, error) {
	var opts []jwt.ParserOption
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	if v.publicKey != nil {
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("parse JWT: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser(opts...).ParseUnverified(raw, claims); err != nil {
			return nil, fmt.Errorf("parse JWT: %w", err)
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !exp.After(time.Now()) {
			return nil, errors.New("parse JWT: token is expired")
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.New("parse JWT: missing sub claim")
	}

	p := Principal{
		ID:          sub,
		DisplayName: stringClaim(claims, "name"),
		Email:       stringClaim(claims, "email"),
		Roles:       listClaim(claims, v.cfg.RolesClaim),
		Claims:      map[string]string{},
	}
	if p.DisplayName == "" {
		p.DisplayName = sub
	}
	for k, val := range claims {
		if s, ok := val.(string); ok {
			p.Claims[k] = s
		}
	}

	tok := Token{Value: raw, Scopes: strings.Fields(stringClaim(claims, "scope"))}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.Time
	} else {
		// No exp claim: treat as long-lived.
		tok.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	return &Result{Principal: p, Token: tok}, nil
}

// TokenSource returns the raw bearer token to present.
type TokenSource func(ctx context.Context) (string, error)

// EnvTokenSource reads the token from an environment variable.
func EnvTokenSource(name string) TokenSource {
	return func(context.Context) (string, error) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil
	}
}

// StaticTokenSource always returns tok.
func StaticTokenSource(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// JWTProvider acquires identities by parsing tokens from a TokenSource.
type JWTProvider struct {
	source   TokenSource
	verifier *JWTVerifier
}

func NewJWTProvider(source TokenSource, verifier *JWTVerifier) *JWTProvider {
	return &JWTProvider{source: source, verifier: verifier}
}

// Acquire implements Provider.
func (p *JWTProvider) Acquire(ctx context.Context, scopes []string) (*Result, error) {
	raw, err := p.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	res, err := p.verifier.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !res.Token.Covers(scopes) {
		return nil, fmt.Errorf("%w: want %v, have %v", ErrInsufficientScope, scopes, res.Token.Scopes)
	}
	return res, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// listClaim accepts either a JSON array of strings or a comma separated string.
func listClaim(claims jwt.MapClaims, key string) []string {
	switch v := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
