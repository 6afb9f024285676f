package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/metrics"
)

// Store answers ownership questions against the practice schema. Both
// queries filter by the principal inside SQL, so a false result never
// distinguishes a missing row from someone else's row.
type Store interface {
	// OwnsDirect reports whether the kind's table holds a row with the
	// given id whose owner column equals principalID.
	OwnsDirect(ctx context.Context, kind Kind, id, principalID uuid.UUID) (bool, error)

	// OwnsThrough reports whether the row exists and the ancestor depth
	// levels up the parent chain is owned by principalID. depth indexes
	// chain starting at 1.
	OwnsThrough(ctx context.Context, kind Kind, chain []Kind, depth int, id, principalID uuid.UUID) (bool, error)
}

// Paths by which a grant was established.
const (
	ViaCache      = "cache"
	ViaDirect     = "direct"
	ViaChain      = "chain"
	ViaBreakGlass = "break-glass"
)

// Grant records a successful authorization.
type Grant struct {
	Kind string
	ID   uuid.UUID
	Via  string
}

// Authorizer decides whether the request's principal may act on a resource.
// Decisions rest on ownership: a resource is accessible iff the principal
// owns it directly or owns an ancestor on its parent chain. Capabilities
// gate practice-wide routes elsewhere and never widen these checks.
type Authorizer struct {
	kinds  *KindRegistry
	store  Store
	cache  OwnershipCache
	m      *metrics.Metrics
	logger zerolog.Logger
}

// NewAuthorizer wires the decision engine. A nil cache falls back to an
// in-process cache with default bounds.
func NewAuthorizer(kinds *KindRegistry, store Store, cache OwnershipCache, m *metrics.Metrics) *Authorizer {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL, DefaultCacheSize)
	}
	return &Authorizer{
		kinds:  kinds,
		store:  store,
		cache:  cache,
		m:      m,
		logger: log.With().Str("component", "authorizer").Logger(),
	}
}

// Cache exposes the ownership cache so mutation paths can invalidate
// entries they touched.
func (a *Authorizer) Cache() OwnershipCache {
	return a.cache
}

// Authorize checks whether the context's principal may access the resource
// identified by rawID. It returns ErrAuthRequired without a principal,
// ErrInvalidID for a malformed identifier, and ErrNotFound both when the
// resource is absent and when it belongs to someone else.
func (a *Authorizer) Authorize(ctx context.Context, kindName, rawID string) (Grant, error) {
	start := time.Now()
	grant, err := a.authorize(ctx, kindName, rawID)
	a.m.ObserveAuthzLatency(kindName, time.Since(start))
	a.m.RecordAuthzDecision(kindName, outcomeLabel(err))
	return grant, err
}

// AuthorizeAll checks every resource in the batch and succeeds only when
// all of them are accessible. Any denial collapses the whole batch into
// ErrIncompleteBatch with no partial grants.
func (a *Authorizer) AuthorizeAll(ctx context.Context, kindName string, rawIDs []string) ([]Grant, error) {
	start := time.Now()
	grants, err := a.authorizeAll(ctx, kindName, rawIDs)
	a.m.ObserveAuthzLatency(kindName, time.Since(start))
	a.m.RecordAuthzDecision(kindName, outcomeLabel(err))
	return grants, err
}

func (a *Authorizer) authorize(ctx context.Context, kindName, rawID string) (Grant, error) {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return Grant{}, ErrAuthRequired
	}

	kind, ok := a.kinds.Get(kindName)
	if !ok {
		return Grant{}, fmt.Errorf("unknown resource kind %q", kindName)
	}

	// No active standing in this practice gets the same answer as a
	// missing resource.
	if _, ok := p.ActiveMembership(db.PracticeFromContext(ctx)); !ok {
		return Grant{}, ErrNotFound
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return Grant{}, ErrInvalidID
	}

	// An emergency override bypasses ownership, not membership. The grant
	// stays out of the cache so it expires with the request.
	if reason, ok := BreakGlassReason(ctx); ok {
		a.logger.Warn().
			Str("kind", kind.Name).
			Str("resource_id", id.String()).
			Str("principal_id", p.ID.String()).
			Str("reason", reason).
			Msg("break-glass access granted")
		return Grant{Kind: kind.Name, ID: id, Via: ViaBreakGlass}, nil
	}

	if owner, hit := a.cache.Get(ctx, kind.Name, id); hit {
		a.m.RecordCacheOp("get", "hit")
		if owner == p.ID {
			return Grant{Kind: kind.Name, ID: id, Via: ViaCache}, nil
		}
		return Grant{}, ErrNotFound
	}
	a.m.RecordCacheOp("get", "miss")

	if kind.OwnerColumn != "" {
		owns, err := a.store.OwnsDirect(ctx, kind, id, p.ID)
		if err != nil {
			return Grant{}, fmt.Errorf("ownership lookup for %s: %w", kind.Name, err)
		}
		if owns {
			return a.granted(ctx, kind, id, p.ID, ViaDirect), nil
		}
	}

	// Direct miss covers rows with a null or foreign owner column; walk
	// the parent chain before giving up.
	chain := a.kinds.ChainFor(kind.Name)
	for depth := 1; depth <= len(chain); depth++ {
		if chain[depth-1].OwnerColumn == "" {
			continue
		}
		owns, err := a.store.OwnsThrough(ctx, kind, chain, depth, id, p.ID)
		if err != nil {
			return Grant{}, fmt.Errorf("ownership chain lookup for %s: %w", kind.Name, err)
		}
		if owns {
			return a.granted(ctx, kind, id, p.ID, ViaChain), nil
		}
	}

	return Grant{}, ErrNotFound
}

func (a *Authorizer) granted(ctx context.Context, kind Kind, id, principalID uuid.UUID, via string) Grant {
	a.cache.Put(ctx, kind.Name, id, principalID)
	a.m.RecordCacheOp("put", "ok")
	a.logger.Debug().
		Str("kind", kind.Name).
		Str("resource_id", id.String()).
		Str("via", via).
		Msg("access granted")
	return Grant{Kind: kind.Name, ID: id, Via: via}
}

func (a *Authorizer) authorizeAll(ctx context.Context, kindName string, rawIDs []string) ([]Grant, error) {
	// Reject malformed identifiers before touching any resource.
	for _, raw := range rawIDs {
		if _, err := uuid.Parse(raw); err != nil {
			return nil, ErrInvalidID
		}
	}

	grants := make([]Grant, 0, len(rawIDs))
	for _, raw := range rawIDs {
		g, err := a.authorize(ctx, kindName, raw)
		switch {
		case err == nil:
			grants = append(grants, g)
		case errors.Is(err, ErrNotFound):
			return nil, ErrIncompleteBatch
		default:
			return nil, err
		}
	}
	return grants, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "allow"
	case errors.Is(err, ErrAuthRequired):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, ErrNotFound):
		return "deny"
	default:
		return "error"
	}
}
