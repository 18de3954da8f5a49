package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adeilh/hotelauth/pii"
)

// PIIResolver resolves a user's display fields. *pii.Cache implements it.
type PIIResolver interface {
	GetOrFetch(ctx context.Context, userID string) (pii.Bundle, error)
}

// ClaimsEnricher attaches PII claims to an authenticated principal for the
// lifetime of one request.
type ClaimsEnricher struct {
	resolver PIIResolver
	logger   *slog.Logger
}

func NewClaimsEnricher(resolver PIIResolver, logger *slog.Logger) (*ClaimsEnricher, error) {
	if resolver == nil {
		return nil, errors.New("auth: claims enricher requires a pii resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimsEnricher{resolver: resolver, logger: logger.With("component", "claims_enricher")}, nil
}

// Enrich resolves and attaches PII claims to p. It reports whether any claim
// was attached. Anonymous principals and principals that already carry PII
// are left alone. Resolution failures leave p authenticated without display
// fields.
func (e *ClaimsEnricher) Enrich(ctx context.Context, p *Principal) bool {
	if !p.IsAuthenticated() || p.hasPII() {
		return false
	}
	userID, ok := p.FindFirst(ClaimUserID)
	if !ok || userID == "" {
		e.logger.ErrorContext(ctx, "authenticated principal is missing its user id claim", "scheme", p.Scheme())
		return false
	}

	bundle, err := e.resolver.GetOrFetch(ctx, userID)
	if err != nil {
		e.logger.WarnContext(ctx, "pii resolution failed, continuing without display fields", "user_id", userID, "error", err)
		return false
	}

	attached := false
	for _, f := range []struct{ claimType, value string }{
		{ClaimGivenName, bundle.FirstName},
		{ClaimSurname, bundle.LastName},
		{ClaimEmail, bundle.Email},
		{ClaimPhone, bundle.Phone},
	} {
		if f.value == "" {
			continue
		}
		p.Upsert(f.claimType, f.value)
		attached = true
	}
	return attached
}
