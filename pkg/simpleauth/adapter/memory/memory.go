// Package memory is an in-process simpleauth.Adapter. It is intended for
// tests, examples and single-process development hosts.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

type Store struct {
	mu sync.RWMutex

	users       map[string]simpleauth.User
	identities  map[string]string // identity key -> user id
	credentials map[string]simpleauth.Credential
	sessions    map[string]simpleauth.Session // token hash -> session
	codes       map[string]simpleauth.VerificationCode
}

func New() *Store {
	return &Store{
		users:       make(map[string]simpleauth.User),
		identities:  make(map[string]string),
		credentials: make(map[string]simpleauth.Credential),
		sessions:    make(map[string]simpleauth.Session),
		codes:       make(map[string]simpleauth.VerificationCode),
	}
}

func (s *Store) Users() simpleauth.Users             { return usersRepo{s} }
func (s *Store) Credentials() simpleauth.Credentials { return credentialsRepo{s} }
func (s *Store) Sessions() simpleauth.Sessions       { return sessionsRepo{s} }
func (s *Store) Codes() simpleauth.Codes             { return codesRepo{s} }

// Close and Ping exist so the store is interchangeable with the
// networked adapters; neither does anything.
func (s *Store) Close() error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func credentialKey(providerID, identityKey string) string {
	return providerID + "\x00" + identityKey
}

func cloneUser(u simpleauth.User) simpleauth.User {
	u.Identities = slices.Clone(u.Identities)
	u.Providers = slices.Clone(u.Providers)
	u.Profile = maps.Clone(u.Profile)
	return u
}

/* Users */

type usersRepo struct{ s *Store }

func (r usersRepo) GetUserByID(_ context.Context, id string) (simpleauth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return simpleauth.User{}, simpleauth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r usersRepo) GetUserByIdentity(_ context.Context, identityKey string) (simpleauth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.identities[identityKey]
	if !ok {
		return simpleauth.User{}, simpleauth.ErrNotFound
	}
	return cloneUser(r.s.users[id]), nil
}

func (r usersRepo) CreateUser(_ context.Context, u simpleauth.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[u.ID]; ok {
		return simpleauth.ErrAlreadyExists
	}
	for _, ik := range u.Identities {
		if _, ok := r.s.identities[ik]; ok {
			return simpleauth.ErrAlreadyExists
		}
	}

	r.s.users[u.ID] = cloneUser(u)
	for _, ik := range u.Identities {
		r.s.identities[ik] = u.ID
	}
	return nil
}

func (r usersRepo) LinkProvider(_ context.Context, userID, providerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return simpleauth.ErrNotFound
	}
	if !slices.Contains(u.Providers, providerID) {
		u.Providers = append(u.Providers, providerID)
		u.UpdatedAt = time.Now().UTC()
		r.s.users[userID] = u
	}
	return nil
}

func (r usersRepo) DeleteUser(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return simpleauth.ErrNotFound
	}

	delete(r.s.users, id)
	for _, ik := range u.Identities {
		delete(r.s.identities, ik)
	}
	maps.DeleteFunc(r.s.credentials, func(_ string, c simpleauth.Credential) bool { return c.UserID == id })
	maps.DeleteFunc(r.s.sessions, func(_ string, s simpleauth.Session) bool { return s.UserID == id })
	return nil
}

/* Credentials */

type credentialsRepo struct{ s *Store }

func (r credentialsRepo) CreateCredential(_ context.Context, c simpleauth.Credential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[c.UserID]; !ok {
		return simpleauth.ErrNotFound
	}
	key := credentialKey(c.ProviderID, c.IdentityKey)
	if _, ok := r.s.credentials[key]; ok {
		return simpleauth.ErrAlreadyExists
	}
	r.s.credentials[key] = c
	return nil
}

func (r credentialsRepo) GetCredential(_ context.Context, providerID, identityKey string) (simpleauth.Credential, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.credentials[credentialKey(providerID, identityKey)]
	if !ok {
		return simpleauth.Credential{}, simpleauth.ErrNotFound
	}
	return c, nil
}

/* Sessions */

type sessionsRepo struct{ s *Store }

func (r sessionsRepo) CreateSession(_ context.Context, sess simpleauth.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.sessions[sess.TokenHash]; ok {
		return simpleauth.ErrAlreadyExists
	}
	sess.Token = ""
	r.s.sessions[sess.TokenHash] = sess
	return nil
}

func (r sessionsRepo) GetSession(_ context.Context, tokenHash string) (simpleauth.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sess, ok := r.s.sessions[tokenHash]
	if !ok {
		return simpleauth.Session{}, simpleauth.ErrNotFound
	}
	return sess, nil
}

func (r sessionsRepo) DeleteSession(_ context.Context, tokenHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.sessions[tokenHash]; !ok {
		return simpleauth.ErrNotFound
	}
	delete(r.s.sessions, tokenHash)
	return nil
}

func (r sessionsRepo) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := len(r.s.sessions)
	maps.DeleteFunc(r.s.sessions, func(_ string, s simpleauth.Session) bool { return s.Expired(now) })
	return n - len(r.s.sessions), nil
}

/* Codes */

type codesRepo struct{ s *Store }

func (r codesRepo) CreateCode(_ context.Context, c simpleauth.VerificationCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.codes[c.ID]; ok {
		return simpleauth.ErrAlreadyExists
	}

	// Supersede earlier unconsumed codes for the same subject
	for id, prev := range r.s.codes {
		if prev.ProviderID == c.ProviderID && prev.Subject == c.Subject && prev.ConsumedAt == nil {
			at := c.CreatedAt
			prev.ConsumedAt = &at
			r.s.codes[id] = prev
		}
	}

	c.ConsumedAt = nil
	r.s.codes[c.ID] = c
	return nil
}

func (r codesRepo) GetLatestCode(_ context.Context, providerID, subject string) (simpleauth.VerificationCode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var latest *simpleauth.VerificationCode
	for _, c := range r.s.codes {
		if c.ProviderID != providerID || c.Subject != subject || c.ConsumedAt != nil {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = &c
		}
	}
	if latest == nil {
		return simpleauth.VerificationCode{}, simpleauth.ErrNotFound
	}
	return *latest, nil
}

func (r codesRepo) ConsumeCode(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.codes[id]
	if !ok || c.ConsumedAt != nil {
		return simpleauth.ErrNotFound
	}
	c.ConsumedAt = &at
	r.s.codes[id] = c
	return nil
}

func (r codesRepo) IncrementCodeAttempts(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.codes[id]
	if !ok {
		return 0, simpleauth.ErrNotFound
	}
	c.Attempts++
	r.s.codes[id] = c
	return c.Attempts, nil
}

func (r codesRepo) DeleteExpiredCodes(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := len(r.s.codes)
	maps.DeleteFunc(r.s.codes, func(_ string, c simpleauth.VerificationCode) bool { return c.Expired(now) })
	return n - len(r.s.codes), nil
}
