// Package fs provides file-backed stores for development and tests. Each
// user is one JSON document; email and provider-identity lookups go through
// small index files kept next to the documents.
package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ac "github.com/inkstream/authcore"
)

// UserStore stores users as JSON files under StoragePath. A single mutex
// serializes all access; this store trades throughput for simplicity.
type UserStore struct {
	StoragePath string

	mu sync.Mutex
}

func NewUserStore(storagePath string) (*UserStore, error) {
	for _, dir := range []string{"users", "indexes"} {
		if err := os.MkdirAll(filepath.Join(storagePath, dir), 0755); err != nil {
			return nil, err
		}
	}
	return &UserStore{StoragePath: storagePath}, nil
}

func (s *UserStore) userPath(userID string) string {
	return filepath.Join(s.StoragePath, "users", userID+".json")
}

func (s *UserStore) indexPath(name string) string {
	return filepath.Join(s.StoragePath, "indexes", name+".json")
}

func identityKey(provider ac.Provider, subjectID string) string {
	return string(provider) + "/" + subjectID
}

// CreateUser writes the user document and claims the email and any identity
// index entries. Fails with ErrDuplicateEmail / ErrDuplicateIdentity when a
// key is already claimed by another user.
func (s *UserStore) CreateUser(u *ac.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emails, err := s.loadIndex("emails")
	if err != nil {
		return err
	}
	if _, taken := emails[u.Email]; taken {
		return ac.ErrDuplicateEmail
	}
	identities, err := s.loadIndex("identities")
	if err != nil {
		return err
	}
	for _, link := range u.LinkedIdentities {
		if _, taken := identities[identityKey(link.Provider, link.SubjectID)]; taken {
			return ac.ErrDuplicateIdentity
		}
	}

	if err := s.saveUser(u); err != nil {
		return err
	}

	emails[u.Email] = u.ID
	if err := s.saveIndex("emails", emails); err != nil {
		return err
	}
	for _, link := range u.LinkedIdentities {
		identities[identityKey(link.Provider, link.SubjectID)] = u.ID
	}
	return s.saveIndex("identities", identities)
}

func (s *UserStore) GetUserByID(userID string) (*ac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUser(userID)
}

func (s *UserStore) GetUserByEmail(email string) (*ac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emails, err := s.loadIndex("emails")
	if err != nil {
		return nil, err
	}
	userID, ok := emails[email]
	if !ok {
		return nil, ac.ErrUserNotFound
	}
	return s.loadUser(userID)
}

func (s *UserStore) GetUserByIdentity(provider ac.Provider, subjectID string) (*ac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities, err := s.loadIndex("identities")
	if err != nil {
		return nil, err
	}
	userID, ok := identities[identityKey(provider, subjectID)]
	if !ok {
		return nil, ac.ErrUserNotFound
	}
	return s.loadUser(userID)
}

func (s *UserStore) UpdatePassword(userID, passwordHash string, changedAt time.Time) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &changedAt
		return nil
	})
}

func (s *UserStore) SetVerified(userID string) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.IsVerified = true
		return nil
	})
}

func (s *UserStore) SetActive(userID string, active bool) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.IsActive = active
		return nil
	})
}

// SaveLinkedIdentity adds or replaces the link for link.Provider and claims
// its index entry. An entry held by a different user fails with
// ErrDuplicateIdentity.
func (s *UserStore) SaveLinkedIdentity(userID string, link ac.LinkedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities, err := s.loadIndex("identities")
	if err != nil {
		return err
	}
	key := identityKey(link.Provider, link.SubjectID)
	if owner, taken := identities[key]; taken && owner != userID {
		return ac.ErrDuplicateIdentity
	}

	u, err := s.loadUser(userID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range u.LinkedIdentities {
		if u.LinkedIdentities[i].Provider == link.Provider {
			// A re-link to a new subject releases the old index entry.
			delete(identities, identityKey(link.Provider, u.LinkedIdentities[i].SubjectID))
			u.LinkedIdentities[i] = link
			replaced = true
			break
		}
	}
	if !replaced {
		u.LinkedIdentities = append(u.LinkedIdentities, link)
	}

	if err := s.saveUser(u); err != nil {
		return err
	}
	identities[key] = userID
	return s.saveIndex("identities", identities)
}

func (s *UserStore) RemoveLinkedIdentity(userID string, provider ac.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.loadUser(userID)
	if err != nil {
		return err
	}
	identities, err := s.loadIndex("identities")
	if err != nil {
		return err
	}

	kept := u.LinkedIdentities[:0:0]
	for _, link := range u.LinkedIdentities {
		if link.Provider == provider {
			delete(identities, identityKey(link.Provider, link.SubjectID))
			continue
		}
		kept = append(kept, link)
	}
	if len(kept) == len(u.LinkedIdentities) {
		return ac.ErrIdentityNotLinked
	}
	u.LinkedIdentities = kept

	if err := s.saveUser(u); err != nil {
		return err
	}
	return s.saveIndex("identities", identities)
}

// AppendRefreshToken adds the token, evicting the oldest entries when the
// list would exceed cap.
func (s *UserStore) AppendRefreshToken(userID string, token ac.RefreshToken, cap int) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.RefreshTokens = append(u.RefreshTokens, token)
		if cap > 0 && len(u.RefreshTokens) > cap {
			sort.SliceStable(u.RefreshTokens, func(i, j int) bool {
				return u.RefreshTokens[i].CreatedAt.Before(u.RefreshTokens[j].CreatedAt)
			})
			u.RefreshTokens = u.RefreshTokens[len(u.RefreshTokens)-cap:]
		}
		return nil
	})
}

func (s *UserStore) RemoveRefreshToken(userID, token string) error {
	return s.mutate(userID, func(u *ac.User) error {
		kept := u.RefreshTokens[:0:0]
		for _, t := range u.RefreshTokens {
			if t.Token != token {
				kept = append(kept, t)
			}
		}
		u.RefreshTokens = kept
		return nil
	})
}

func (s *UserStore) ReplaceRefreshTokens(userID string, tokens []ac.RefreshToken) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.RefreshTokens = tokens
		return nil
	})
}

func (s *UserStore) RecordLoginFailure(userID string) (int, error) {
	var attempts int
	err := s.mutate(userID, func(u *ac.User) error {
		u.LoginAttempts++
		attempts = u.LoginAttempts
		return nil
	})
	return attempts, err
}

func (s *UserStore) LockAccount(userID string, until time.Time) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.LockUntil = &until
		return nil
	})
}

func (s *UserStore) ResetLockout(userID string) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.LoginAttempts = 0
		u.LockUntil = nil
		return nil
	})
}

func (s *UserStore) RecordLoginSuccess(userID string, at time.Time) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.LoginAttempts = 0
		u.LockUntil = nil
		u.LastLogin = &at
		return nil
	})
}

// ============================================================================
// Internals
// ============================================================================

// mutate runs fn on the loaded document and writes it back under the lock.
func (s *UserStore) mutate(userID string, fn func(u *ac.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.loadUser(userID)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	return s.saveUser(u)
}

func (s *UserStore) loadUser(userID string) (*ac.User, error) {
	data, err := os.ReadFile(s.userPath(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	var u ac.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("corrupt user document %s: %w", userID, err)
	}
	return &u, nil
}

func (s *UserStore) saveUser(u *ac.User) error {
	u.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.userPath(u.ID), data)
}

func (s *UserStore) loadIndex(name string) (map[string]string, error) {
	data, err := os.ReadFile(s.indexPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	index := map[string]string{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("corrupt index %s: %w", name, err)
	}
	return index, nil
}

func (s *UserStore) saveIndex(name string, index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicFile(s.indexPath(name), data)
}
