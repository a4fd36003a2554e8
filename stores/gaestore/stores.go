// Package gaestore provides Google Cloud Datastore-backed stores for
// deployments on App Engine or Cloud Run.
package gaestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	ac "github.com/inkstream/authcore"
)

// Kind constants for Datastore entities.
const (
	KindUser      = "User"
	KindEmail     = "Email"
	KindIdentity  = "Identity"
	KindAuthToken = "AuthToken"
)

// UserEntity stores the whole user document as JSON, with the email
// duplicated into an indexed property for ad-hoc queries. Email and identity
// lookups go through separate keyed sentinel entities, since Datastore
// cannot index into the JSON blob and keyed gets are strongly consistent
// where queries are not.
type UserEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Email     string         `datastore:"email"`
	Doc       []byte         `datastore:"doc,noindex"`
	CreatedAt time.Time      `datastore:"created_at"`
	UpdatedAt time.Time      `datastore:"updated_at"`
}

// EmailEntity is a uniqueness sentinel keyed by the normalized email.
// Queries against UserEntity.email are eventually consistent, so the keyed
// sentinel is what actually enforces the constraint inside transactions.
type EmailEntity struct {
	Key    *datastore.Key `datastore:"__key__"`
	UserID string         `datastore:"user_id"`
}

// IdentityEntity maps a provider/subject pair onto a user ID. The key name
// is "<provider>/<subject>".
type IdentityEntity struct {
	Key    *datastore.Key `datastore:"__key__"`
	UserID string         `datastore:"user_id"`
}

// AuthTokenEntity stores a verification or reset token, keyed by the token
// string.
type AuthTokenEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Kind      string         `datastore:"kind"`
	UserID    string         `datastore:"user_id"`
	Email     string         `datastore:"email,noindex"`
	CreatedAt time.Time      `datastore:"created_at"`
	ExpiresAt time.Time      `datastore:"expires_at"`
}

// ============================================================================
// UserStore
// ============================================================================

// UserStore implements authcore.UserStore using Google Cloud Datastore.
type UserStore struct {
	client    *datastore.Client
	namespace string
	ctx       context.Context
}

func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{
		client:    client,
		namespace: namespace,
		ctx:       context.Background(),
	}
}

// WithContext returns a copy of the store bound to the given context.
func (s *UserStore) WithContext(ctx context.Context) *UserStore {
	return &UserStore{client: s.client, namespace: s.namespace, ctx: ctx}
}

func (s *UserStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func identityKeyName(provider ac.Provider, subjectID string) string {
	return string(provider) + "/" + subjectID
}

func (s *UserStore) CreateUser(u *ac.User) error {
	_, err := s.client.RunInTransaction(s.ctx, func(tx *datastore.Transaction) error {
		emailKey := s.namespacedKey(KindEmail, u.Email)
		var claimed EmailEntity
		if err := tx.Get(emailKey, &claimed); err == nil {
			return ac.ErrDuplicateEmail
		} else if err != datastore.ErrNoSuchEntity {
			return err
		}
		if _, err := tx.Put(emailKey, &EmailEntity{UserID: u.ID}); err != nil {
			return err
		}

		for _, link := range u.LinkedIdentities {
			identKey := s.namespacedKey(KindIdentity, identityKeyName(link.Provider, link.SubjectID))
			var existing IdentityEntity
			if err := tx.Get(identKey, &existing); err == nil {
				return ac.ErrDuplicateIdentity
			} else if err != datastore.ErrNoSuchEntity {
				return err
			}
			if _, err := tx.Put(identKey, &IdentityEntity{UserID: u.ID}); err != nil {
				return err
			}
		}
		return s.putUser(tx, u)
	})
	return err
}

func (s *UserStore) GetUserByID(userID string) (*ac.User, error) {
	var entity UserEntity
	if err := s.client.Get(s.ctx, s.namespacedKey(KindUser, userID), &entity); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return decodeUser(&entity)
}

// GetUserByEmail resolves through the email sentinel rather than a query, so
// a user is visible by email the moment CreateUser commits.
func (s *UserStore) GetUserByEmail(email string) (*ac.User, error) {
	var claimed EmailEntity
	if err := s.client.Get(s.ctx, s.namespacedKey(KindEmail, email), &claimed); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(claimed.UserID)
}

func (s *UserStore) GetUserByIdentity(provider ac.Provider, subjectID string) (*ac.User, error) {
	var ident IdentityEntity
	key := s.namespacedKey(KindIdentity, identityKeyName(provider, subjectID))
	if err := s.client.Get(s.ctx, key, &ident); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ident.UserID)
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

func (s *UserStore) SaveLinkedIdentity(userID string, link ac.LinkedIdentity) error {
	_, err := s.client.RunInTransaction(s.ctx, func(tx *datastore.Transaction) error {
		identKey := s.namespacedKey(KindIdentity, identityKeyName(link.Provider, link.SubjectID))
		var existing IdentityEntity
		if err := tx.Get(identKey, &existing); err == nil {
			if existing.UserID != userID {
				return ac.ErrDuplicateIdentity
			}
		} else if err != datastore.ErrNoSuchEntity {
			return err
		}

		u, err := s.getUserTx(tx, userID)
		if err != nil {
			return err
		}
		replaced := false
		for i := range u.LinkedIdentities {
			if u.LinkedIdentities[i].Provider == link.Provider {
				oldKey := s.namespacedKey(KindIdentity,
					identityKeyName(link.Provider, u.LinkedIdentities[i].SubjectID))
				if err := tx.Delete(oldKey); err != nil && err != datastore.ErrNoSuchEntity {
					return err
				}
				u.LinkedIdentities[i] = link
				replaced = true
				break
			}
		}
		if !replaced {
			u.LinkedIdentities = append(u.LinkedIdentities, link)
		}

		if _, err := tx.Put(identKey, &IdentityEntity{UserID: userID}); err != nil {
			return err
		}
		return s.putUser(tx, u)
	})
	return err
}

func (s *UserStore) RemoveLinkedIdentity(userID string, provider ac.Provider) error {
	_, err := s.client.RunInTransaction(s.ctx, func(tx *datastore.Transaction) error {
		u, err := s.getUserTx(tx, userID)
		if err != nil {
			return err
		}
		kept := u.LinkedIdentities[:0:0]
		removed := false
		for _, link := range u.LinkedIdentities {
			if link.Provider == provider {
				identKey := s.namespacedKey(KindIdentity, identityKeyName(link.Provider, link.SubjectID))
				if err := tx.Delete(identKey); err != nil && err != datastore.ErrNoSuchEntity {
					return err
				}
				removed = true
				continue
			}
			kept = append(kept, link)
		}
		if !removed {
			return ac.ErrIdentityNotLinked
		}
		u.LinkedIdentities = kept
		return s.putUser(tx, u)
	})
	return err
}

func (s *UserStore) AppendRefreshToken(userID string, token ac.RefreshToken, cap int) error {
	return s.mutate(userID, func(u *ac.User) error {
		u.RefreshTokens = append(u.RefreshTokens, token)
		if cap > 0 && len(u.RefreshTokens) > cap {
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

// mutate applies fn to the user document inside a transaction.
func (s *UserStore) mutate(userID string, fn func(u *ac.User) error) error {
	_, err := s.client.RunInTransaction(s.ctx, func(tx *datastore.Transaction) error {
		u, err := s.getUserTx(tx, userID)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		return s.putUser(tx, u)
	})
	return err
}

func (s *UserStore) getUserTx(tx *datastore.Transaction, userID string) (*ac.User, error) {
	var entity UserEntity
	if err := tx.Get(s.namespacedKey(KindUser, userID), &entity); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return decodeUser(&entity)
}

func (s *UserStore) putUser(tx *datastore.Transaction, u *ac.User) error {
	u.UpdatedAt = time.Now()
	doc, err := json.Marshal(u)
	if err != nil {
		return err
	}
	entity := &UserEntity{
		Email:     u.Email,
		Doc:       doc,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	_, err = tx.Put(s.namespacedKey(KindUser, u.ID), entity)
	return err
}

func decodeUser(entity *UserEntity) (*ac.User, error) {
	var u ac.User
	if err := json.Unmarshal(entity.Doc, &u); err != nil {
		return nil, fmt.Errorf("corrupt user entity: %w", err)
	}
	return &u, nil
}

// ============================================================================
// TokenStore
// ============================================================================

// TokenStore implements authcore.TokenStore using Google Cloud Datastore.
type TokenStore struct {
	client    *datastore.Client
	namespace string
	ctx       context.Context
}

func NewTokenStore(client *datastore.Client, namespace string) *TokenStore {
	return &TokenStore{
		client:    client,
		namespace: namespace,
		ctx:       context.Background(),
	}
}

// WithContext returns a copy of the store bound to the given context.
func (s *TokenStore) WithContext(ctx context.Context) *TokenStore {
	return &TokenStore{client: s.client, namespace: s.namespace, ctx: ctx}
}

func (s *TokenStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *TokenStore) CreateToken(userID, email string, kind ac.TokenKind, ttl time.Duration) (*ac.AuthToken, error) {
	now := time.Now()
	at := &ac.AuthToken{
		Token:     ac.GenerateSecureToken(),
		Kind:      kind,
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	entity := &AuthTokenEntity{
		Kind:      string(kind),
		UserID:    userID,
		Email:     email,
		CreatedAt: at.CreatedAt,
		ExpiresAt: at.ExpiresAt,
	}
	if _, err := s.client.Put(s.ctx, s.namespacedKey(KindAuthToken, at.Token), entity); err != nil {
		return nil, err
	}
	return at, nil
}

func (s *TokenStore) GetToken(token string) (*ac.AuthToken, error) {
	key := s.namespacedKey(KindAuthToken, token)
	var entity AuthTokenEntity
	if err := s.client.Get(s.ctx, key, &entity); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ac.ErrInvalidToken
		}
		return nil, err
	}
	at := &ac.AuthToken{
		Token:     token,
		Kind:      ac.TokenKind(entity.Kind),
		UserID:    entity.UserID,
		Email:     entity.Email,
		CreatedAt: entity.CreatedAt,
		ExpiresAt: entity.ExpiresAt,
	}
	if at.Expired(time.Now()) {
		s.client.Delete(s.ctx, key)
		return nil, ac.ErrInvalidToken
	}
	return at, nil
}

func (s *TokenStore) DeleteToken(token string) error {
	err := s.client.Delete(s.ctx, s.namespacedKey(KindAuthToken, token))
	if err == datastore.ErrNoSuchEntity {
		return nil
	}
	return err
}

func (s *TokenStore) DeleteUserTokens(userID string, kind ac.TokenKind) error {
	query := datastore.NewQuery(KindAuthToken).
		Namespace(s.namespace).
		FilterField("user_id", "=", userID).
		FilterField("kind", "=", string(kind)).
		KeysOnly()

	it := s.client.Run(s.ctx, query)
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.client.Delete(s.ctx, key); err != nil {
			return err
		}
	}
}
