package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/models"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

// Registry is the authoritative in-memory map of active sessions. Entries
// are guarded by per-session mutexes; the registry-wide lock only protects
// the map itself. Fingerprints are written through to the store so ghost
// sessions and restarts keep gating admission.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	store    *storage.ChunkStore
	tokens   *TokenService
	verifier *PassphraseVerifier
	logger   *logger.Logger
}

type sessionEntry struct {
	mu sync.Mutex
	s  *models.Session

	// purged marks an entry the sweeper removed from the map while a join
	// already held a reference to it; joins re-fetch instead of reviving it.
	purged bool
}

// JoinResult is what a successful join hands back to the router.
type JoinResult struct {
	SessionID string
	ClientID  string
	Token     string
	// Peers lists the other members, the joiner excluded.
	Peers []models.MemberInfo
	IsNew bool
}

// ExpiredSession describes one session the sweeper just expired.
type ExpiredSession struct {
	SessionID string
	ClientIDs []string
}

// NewRegistry creates a session registry.
func NewRegistry(store *storage.ChunkStore, tokens *TokenService, l *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		store:    store,
		tokens:   tokens,
		verifier: NewPassphraseVerifier(),
		logger:   l,
	}
}

// JoinOrCreate admits a client into a session, creating it on first join.
// An absent session adopts the joiner's fingerprint; a present one must
// match byte-for-byte. Expired sessions reject joins until purged.
func (r *Registry) JoinOrCreate(ctx context.Context, sessionID, clientID, clientName string, fp models.Fingerprint) (*JoinResult, error) {
	return r.join(ctx, sessionID, clientID, clientName, fp, false)
}

// Rejoin is JoinOrCreate but preserves the caller's prior identity and, on an
// expired-but-unpurged session, revives it as a fresh session when the
// fingerprint still matches.
func (r *Registry) Rejoin(ctx context.Context, sessionID, clientID, clientName string, fp models.Fingerprint) (*JoinResult, error) {
	return r.join(ctx, sessionID, clientID, clientName, fp, true)
}

func (r *Registry) join(ctx context.Context, sessionID, clientID, clientName string, fp models.Fingerprint, rejoin bool) (*JoinResult, error) {
	var entry *sessionEntry
	for {
		entry = r.entryFor(sessionID)
		entry.mu.Lock()
		if !entry.purged {
			break
		}
		// The sweeper dropped this entry between our map fetch and the lock.
		entry.mu.Unlock()
	}
	defer entry.mu.Unlock()

	now := time.Now()
	isNew := false

	if entry.s == nil {
		// Not in memory: either brand new, or a ghost session whose content
		// outlived its members (possibly across a restart). A ghost keeps its
		// stored fingerprint and the joiner must match it.
		stored, err := r.store.GetSessionFingerprint(ctx, sessionID)
		switch {
		case err == nil:
			if !r.verifier.Equal(stored, fp) {
				return nil, ErrPassphraseMismatch
			}
		case err == storage.ErrNotFound:
			if err := r.store.SaveSessionFingerprint(ctx, sessionID, fp); err != nil {
				return nil, err
			}
			isNew = true
		default:
			return nil, err
		}

		entry.s = &models.Session{
			SessionID:      sessionID,
			Fingerprint:    fp,
			Members:        make(map[string]*models.Member),
			State:          models.SessionActive,
			CreatedAt:      now,
			LastActivityAt: now,
		}
	} else {
		if entry.s.State == models.SessionExpired {
			if !rejoin {
				return nil, ErrSessionExpired
			}
			if !r.verifier.Equal(entry.s.Fingerprint, fp) {
				return nil, ErrPassphraseMismatch
			}
			// Revive as a fresh session under the same ID.
			entry.s = &models.Session{
				SessionID:      sessionID,
				Fingerprint:    fp,
				Members:        make(map[string]*models.Member),
				State:          models.SessionActive,
				CreatedAt:      now,
				LastActivityAt: now,
			}
			isNew = true
		} else if !r.verifier.Equal(entry.s.Fingerprint, fp) {
			return nil, ErrPassphraseMismatch
		}
	}

	if clientID == "" {
		clientID = uuid.New().String()
	}

	token, tokenID, err := r.tokens.Issue(sessionID, clientID)
	if err != nil {
		return nil, err
	}

	member, exists := entry.s.Members[clientID]
	if !exists {
		member = &models.Member{ClientID: clientID, JoinedAt: now}
		entry.s.Members[clientID] = member
	}
	member.Name = clientName
	member.LastSeen = now
	member.TokenID = tokenID

	entry.s.LastActivityAt = now

	peers := make([]models.MemberInfo, 0, len(entry.s.Members)-1)
	for id, m := range entry.s.Members {
		if id == clientID {
			continue
		}
		peers = append(peers, models.MemberInfo{ClientID: id, Name: m.Name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })

	return &JoinResult{
		SessionID: sessionID,
		ClientID:  clientID,
		Token:     token,
		Peers:     peers,
		IsNew:     isNew,
	}, nil
}

// Leave removes a member and revokes its token. An emptied session with no
// persisted content is left for the sweeper to purge.
func (r *Registry) Leave(ctx context.Context, sessionID, clientID string) error {
	entry := r.lookup(sessionID)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s == nil {
		return nil
	}
	delete(entry.s.Members, clientID)
	entry.s.LastActivityAt = time.Now()
	return nil
}

// Touch bumps a session's activity clock; called on every ingress event.
func (r *Registry) Touch(ctx context.Context, sessionID string) {
	entry := r.lookup(sessionID)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	if entry.s != nil {
		entry.s.LastActivityAt = time.Now()
	}
	entry.mu.Unlock()

	if err := r.store.TouchSession(ctx, sessionID); err != nil {
		r.logger.Printf("WARNING: failed to persist session activity for %s: %v", sessionID, err)
	}
}

// ValidateToken checks signature, expiry, and that the token is the member's
// current one. Returns the bound (sessionID, clientID).
func (r *Registry) ValidateToken(tokenString string) (sessionID, clientID string, err error) {
	claims, err := r.tokens.Parse(tokenString)
	if err != nil {
		return "", "", ErrUnauthorized
	}

	entry := r.lookup(claims.SessionID)
	if entry == nil {
		return "", "", ErrUnauthorized
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s == nil || entry.s.State != models.SessionActive {
		return "", "", ErrUnauthorized
	}
	member, ok := entry.s.Members[claims.ClientID]
	if !ok || member.TokenID != claims.ID {
		return "", "", ErrUnauthorized
	}
	return claims.SessionID, claims.ClientID, nil
}

// SnapshotMembers returns the current member list.
func (r *Registry) SnapshotMembers(sessionID string) []models.MemberInfo {
	entry := r.lookup(sessionID)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s == nil {
		return nil
	}
	out := make([]models.MemberInfo, 0, len(entry.s.Members))
	for id, m := range entry.s.Members {
		out = append(out, models.MemberInfo{ClientID: id, Name: m.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// IsMember reports whether a client currently belongs to a session.
func (r *Registry) IsMember(sessionID, clientID string) bool {
	entry := r.lookup(sessionID)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s == nil || entry.s.State != models.SessionActive {
		return false
	}
	_, ok := entry.s.Members[clientID]
	return ok
}

// ExpireIdle transitions every session idle past the threshold to Expired,
// revokes member tokens, and reports who needs a session-expired signal.
// The candidate snapshot is taken under the read lock; mutation happens
// under each session's own lock so in-flight joins are not raced.
func (r *Registry) ExpireIdle(idleThreshold time.Duration) []ExpiredSession {
	cutoff := time.Now().Add(-idleThreshold)

	r.mu.RLock()
	candidates := make([]*sessionEntry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		candidates = append(candidates, entry)
	}
	r.mu.RUnlock()

	var expired []ExpiredSession
	for _, entry := range candidates {
		entry.mu.Lock()
		if entry.s != nil && entry.s.State == models.SessionActive && entry.s.LastActivityAt.Before(cutoff) {
			ids := make([]string, 0, len(entry.s.Members))
			for id, m := range entry.s.Members {
				ids = append(ids, id)
				m.TokenID = ""
			}
			sort.Strings(ids)
			entry.s.State = models.SessionExpired
			expired = append(expired, ExpiredSession{SessionID: entry.s.SessionID, ClientIDs: ids})
		}
		entry.mu.Unlock()
	}
	return expired
}

// PurgeExpired drops expired sessions and sessions with no members from the
// registry, whether or not they still have persisted content. Sessions purged
// with no remaining content also lose their stored fingerprint row. Returns
// the purged session IDs.
func (r *Registry) PurgeExpired(ctx context.Context) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removable := func(entry *sessionEntry) bool {
		return entry.s == nil ||
			entry.s.State == models.SessionExpired ||
			len(entry.s.Members) == 0
	}

	var purged []string
	for _, id := range ids {
		entry := r.lookup(id)
		if entry == nil {
			continue
		}

		entry.mu.Lock()
		if !removable(entry) {
			entry.mu.Unlock()
			continue
		}
		entry.mu.Unlock()

		hasContent, err := r.store.HasContent(ctx, id)
		if err != nil {
			r.logger.Printf("WARNING: purge check for %s failed: %v", id, err)
			continue
		}

		// Re-check under the session lock and hold it through the map
		// delete: a rejoin may have revived the entry while HasContent ran,
		// and dropping the map key then would orphan its live members and
		// tokens. Nesting entry.mu before r.mu is safe — every other path
		// releases r.mu before taking a session lock.
		entry.mu.Lock()
		if !removable(entry) {
			entry.mu.Unlock()
			continue
		}
		entry.purged = true
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		entry.mu.Unlock()
		purged = append(purged, id)

		if !hasContent {
			if err := r.store.RemoveSession(ctx, id); err != nil {
				r.logger.Printf("WARNING: failed to remove session row %s: %v", id, err)
			}
		}
	}
	return purged
}

// ActiveSessionCount reports how many sessions the registry holds.
func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) entryFor(sessionID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{}
		r.sessions[sessionID] = entry
	}
	return entry
}

func (r *Registry) lookup(sessionID string) *sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}
