package auth

import (
	"context"
	"sync"
)

// Principal is the validated identity of the current request. A principal
// with an empty scheme is anonymous. Claims attached during the request stay
// in memory and are never written back into the session cookie.
//
// A nil *Principal behaves as anonymous.
type Principal struct {
	mu     sync.RWMutex
	scheme string
	claims Claims
	props  TicketProperties
}

// NewPrincipal builds an authenticated principal for scheme.
func NewPrincipal(scheme string, claims Claims) *Principal {
	return &Principal{scheme: scheme, claims: claims.Clone()}
}

// Anonymous returns a principal with no scheme and no claims.
func Anonymous() *Principal { return &Principal{} }

func principalFromTicket(t Ticket) *Principal {
	p := NewPrincipal(t.Scheme, t.Claims)
	p.props = t.Properties
	return p
}

func (p *Principal) IsAuthenticated() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scheme != ""
}

func (p *Principal) Scheme() string {
	if p == nil {
		return ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scheme
}

// Properties returns the ticket properties the principal was opened from.
func (p *Principal) Properties() TicketProperties {
	if p == nil {
		return TicketProperties{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.props
}

// Claims returns a snapshot of the current claims.
func (p *Principal) Claims() Claims {
	if p == nil {
		return Claims{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.claims.Clone()
}

// FindFirst returns the first value of claimType.
func (p *Principal) FindFirst(claimType string) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.claims.First(claimType)
}

// Upsert replaces every claim of claimType with a single value.
func (p *Principal) Upsert(claimType, value string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.claims.Upsert(claimType, value)
	p.mu.Unlock()
}

func (p *Principal) hasPII() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return hasPII(p.claims)
}

type principalContextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the request principal, or an anonymous one
// when none was stored.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return Anonymous()
	}
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || p == nil {
		return Anonymous()
	}
	return p
}
