package auth

import (
	"sync"
	"time"
)

// revocationSweep controls how often spent entries are pruned.
const revocationSweep = 5 * time.Minute

// RevocationList blocks JWTs ahead of their natural expiry. It works at two
// levels: single tokens by jti (a leaked token), and whole principals
// (staff offboarding), which rejects every token the principal presents
// until the horizon passes, including tokens the list has never seen.
// Entries are swept once the token they block could no longer validate
// anyway.
type RevocationList struct {
	mu         sync.RWMutex
	tokens     map[string]revokedToken
	principals map[string]time.Time
	now        func() time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

type revokedToken struct {
	principalID string
	expiresAt   time.Time
}

// RevokedToken is the admin-facing view of a single blocked token.
type RevokedToken struct {
	JTI         string    `json:"jti"`
	PrincipalID string    `json:"principal_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewRevocationList creates an empty list and starts its sweep loop.
func NewRevocationList() *RevocationList {
	l := &RevocationList{
		tokens:     make(map[string]revokedToken),
		principals: make(map[string]time.Time),
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// RevokeToken blocks a single token. The expiry is the token's own exp
// claim; past that moment the entry is garbage.
func (l *RevocationList) RevokeToken(jti, principalID string, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[jti] = revokedToken{principalID: principalID, expiresAt: expiresAt}
}

// RevokePrincipal blocks every token the principal presents until the
// horizon. A later horizon extends an existing block; an earlier one never
// shortens it.
func (l *RevocationList) RevokePrincipal(principalID string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.principals[principalID]; !ok || until.After(cur) {
		l.principals[principalID] = until
	}
}

// Blocked reports whether a token with the given jti and subject must be
// rejected.
func (l *RevocationList) Blocked(jti, principalID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if jti != "" {
		if _, ok := l.tokens[jti]; ok {
			return true
		}
	}
	if principalID != "" {
		if until, ok := l.principals[principalID]; ok && l.now().Before(until) {
			return true
		}
	}
	return false
}

// Snapshot returns the active token-level blocks for the admin listing.
func (l *RevocationList) Snapshot() []RevokedToken {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]RevokedToken, 0, len(l.tokens))
	for jti, tok := range l.tokens {
		out = append(out, RevokedToken{
			JTI:         jti,
			PrincipalID: tok.principalID,
			ExpiresAt:   tok.expiresAt,
		})
	}
	return out
}

// Len reports how many token-level blocks are held.
func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tokens)
}

// Close stops the sweep loop. Safe to call more than once.
func (l *RevocationList) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *RevocationList) sweepLoop() {
	ticker := time.NewTicker(revocationSweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops entries that no longer block anything.
func (l *RevocationList) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for jti, tok := range l.tokens {
		if now.After(tok.expiresAt) {
			delete(l.tokens, jti)
		}
	}
	for pid, until := range l.principals {
		if now.After(until) {
			delete(l.principals, pid)
		}
	}
}
