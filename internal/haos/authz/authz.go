// Package authz implements the identity/authorization facade of spec
// §6: principal extraction from a bearer token plus an admission hook
// consulted before decomposition and before any approval-requiring
// transition (ground: services/api-gateway/gateway_v2.go's
// authMiddleware, whose own isValidToken/extractUserID pair is a
// documented stub — "in production, verify JWT signature" — that this
// package replaces with a real github.com/golang-jwt/jwt/v5
// verification, since HAOS actually ships that dependency rather than
// carrying it unused).
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/haos/internal/haos/model"
)

// Claims is the bearer token payload HAOS expects: a principal id plus
// a set of coarse-grained roles (ground: gateway_v2.go's user_id
// extraction, widened from a bare id to role-carrying claims since
// Authorize needs something to gate on).
type Claims struct {
	jwt.RegisteredClaims
	Principal string   `json:"principal"`
	Roles     []string `json:"roles"`
}

// Verifier extracts principals from bearer tokens and authorizes
// actions, satisfying executor.Authorizer without importing it (the
// interface is narrow enough to match structurally).
type Verifier struct {
	key []byte

	mu               sync.RWMutex
	rolesByPrincipal map[string][]string

	approvalActions map[string]struct{}
}

// Config names which actions require the "approver" role; any action
// not listed is permitted to any authenticated principal.
type Config struct {
	ApprovalActions []string
}

// New builds a Verifier that checks HMAC-signed tokens against
// signingKey. An empty signingKey disables Authorize's approval gate
// entirely (any non-empty principal passes every action; an empty
// principal is still denied) — used for local/dev runs the way
// the teacher's gateway falls back to isValidToken's always-true stub
// when no real verification is configured.
func New(signingKey string, cfg Config) *Verifier {
	actions := make(map[string]struct{}, len(cfg.ApprovalActions))
	for _, a := range cfg.ApprovalActions {
		actions[a] = struct{}{}
	}
	return &Verifier{
		key:              []byte(signingKey),
		rolesByPrincipal: make(map[string][]string),
		approvalActions:  actions,
	}
}

// ExtractPrincipal parses and verifies a bearer token (with or without
// the "Bearer " prefix), caching its role set for later Authorize
// calls, and returns the principal id.
func (v *Verifier) ExtractPrincipal(tokenString string) (string, error) {
	tokenString = strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer ")
	if tokenString == "" {
		return "", model.New(model.KindUnauthorizedPrincipal, "missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", model.Wrap(model.KindUnauthorizedPrincipal, "token verification failed", err)
	}
	if claims.Principal == "" {
		return "", model.New(model.KindUnauthorizedPrincipal, "token carries no principal claim")
	}

	v.mu.Lock()
	v.rolesByPrincipal[claims.Principal] = claims.Roles
	v.mu.Unlock()
	return claims.Principal, nil
}

// Authorize gates an action for an already-extracted principal (spec
// §6: consulted before decomposition and before escalation/approval
// transitions). A non-approval action only requires a non-empty
// principal; an approval action additionally requires the "approver"
// role, looked up from the principal's last extracted token.
func (v *Verifier) Authorize(ctx context.Context, principal, action string) error {
	if principal == "" {
		return model.New(model.KindUnauthorizedPrincipal, "no principal for action "+action)
	}
	if len(v.key) == 0 {
		return nil // no signing key configured: dev-mode, authorize everything
	}
	if _, needsApproval := v.approvalActions[action]; !needsApproval {
		return nil
	}

	v.mu.RLock()
	roles := v.rolesByPrincipal[principal]
	v.mu.RUnlock()
	for _, role := range roles {
		if role == "approver" {
			return nil
		}
	}
	return model.New(model.KindUnauthorizedPrincipal,
		fmt.Sprintf("principal %q lacks the approver role required for action %q", principal, action))
}

// IssueToken mints an HMAC-signed token for principal with the given
// roles, valid for ttl. Used by tests and local tooling; a real
// deployment issues tokens from an external identity provider and only
// ever calls ExtractPrincipal/Authorize.
func (v *Verifier) IssueToken(principal string, roles []string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Principal: principal,
		Roles:     roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}
