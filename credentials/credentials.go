// Package credentials holds the current access/refresh credential pair and
// the authenticated principal. The in-memory copy is authoritative for the
// process lifetime; persistence through the storage contract is best-effort.
package credentials

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
	"github.com/cliniqa/go-emr-session/storage"
)

// Storage keys, part of the persisted contract: a session restored after a
// process restart is rebuilt from exactly these two entries.
const (
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
)

// Pair is an access/refresh credential pair as issued by the server. Both
// tokens are opaque strings; the client never parses them.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds, server-reported; informational only
}

// Principal is the authenticated user. Immutable once set for a session;
// replaced wholesale on a new login.
type Principal struct {
	ID          string
	DisplayName string
	Role        string
}

// Store holds the credential pair and principal for the current session.
// Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	pair      *Pair
	principal *Principal

	persistence storage.Store
	log         zerolog.Logger
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithLogger sets the logger used for persistence failures
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

// NewStore creates a credential store. persistence may be nil, in which case
// credentials live only in memory.
func NewStore(persistence storage.Store, options ...StoreOption) *Store {
	s := &Store{
		persistence: persistence,
		log:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Get returns the current credential pair, if one is present
func (s *Store) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pair == nil {
		return Pair{}, false
	}
	return *s.pair, true
}

// Principal returns the current principal, if one is present
func (s *Store) Principal() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.principal == nil {
		return Principal{}, false
	}
	return *s.principal, true
}

// Set replaces the credential pair and principal. The in-memory update is
// immediate; persistence happens afterwards and its failure is logged, not
// returned, because the in-memory copy stays authoritative for this process.
func (s *Store) Set(pair Pair, principal Principal) {
	s.mu.Lock()
	s.pair = &pair
	s.principal = &principal
	s.mu.Unlock()

	s.persist(pair)
}

// UpdatePair replaces the credential pair, keeping the current principal.
// A pair with an empty refresh token retains the previous refresh token
// (the refresh endpoint does not always rotate it).
func (s *Store) UpdatePair(pair Pair) {
	s.mu.Lock()
	if pair.RefreshToken == "" && s.pair != nil {
		pair.RefreshToken = s.pair.RefreshToken
	}
	s.pair = &pair
	s.mu.Unlock()

	s.persist(pair)
}

// SetPrincipal attaches a principal to an already-stored credential pair.
// Used to re-hydrate the principal after a restore; it is a no-op when no
// credential is present.
func (s *Store) SetPrincipal(principal Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair == nil {
		return
	}
	s.principal = &principal
}

// Clear removes the credential pair and principal, then clears persistence
// best-effort.
func (s *Store) Clear() {
	s.mu.Lock()
	s.pair = nil
	s.principal = nil
	s.mu.Unlock()

	if s.persistence == nil {
		return
	}
	ctx := context.Background()
	if err := s.persistence.Delete(ctx, accessTokenKey); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear persisted access token")
	}
	if err := s.persistence.Delete(ctx, refreshTokenKey); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear persisted refresh token")
	}
}

// Restore loads a previously persisted credential pair into memory. It
// returns false when nothing usable is persisted. The principal is not
// persisted and stays absent until SetPrincipal is called.
func (s *Store) Restore(ctx context.Context) (Pair, bool, error) {
	if s.persistence == nil {
		return Pair{}, false, nil
	}

	access, err := s.persistence.Get(ctx, accessTokenKey)
	if err != nil {
		if autherrors.Is(err, autherrors.ErrKeyNotFound) {
			return Pair{}, false, nil
		}
		return Pair{}, false, autherrors.Wrapf(err, "restore access token")
	}
	refresh, err := s.persistence.Get(ctx, refreshTokenKey)
	if err != nil {
		if autherrors.Is(err, autherrors.ErrKeyNotFound) {
			return Pair{}, false, nil
		}
		return Pair{}, false, autherrors.Wrapf(err, "restore refresh token")
	}
	if access == "" || refresh == "" {
		return Pair{}, false, nil
	}

	pair := Pair{AccessToken: access, RefreshToken: refresh}
	s.mu.Lock()
	s.pair = &pair
	s.principal = nil
	s.mu.Unlock()

	return pair, true, nil
}

func (s *Store) persist(pair Pair) {
	if s.persistence == nil {
		return
	}
	ctx := context.Background()
	if err := s.persistence.Set(ctx, accessTokenKey, pair.AccessToken); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist access token")
	}
	if err := s.persistence.Set(ctx, refreshTokenKey, pair.RefreshToken); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist refresh token")
	}
}
