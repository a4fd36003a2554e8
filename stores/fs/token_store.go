package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ac "github.com/inkstream/authcore"
)

// TokenStore keeps verification and reset tokens as JSON files. Expired
// tokens are deleted lazily on lookup.
type TokenStore struct {
	StoragePath string

	mu sync.Mutex
}

func NewTokenStore(storagePath string) (*TokenStore, error) {
	if err := os.MkdirAll(filepath.Join(storagePath, "tokens"), 0755); err != nil {
		return nil, err
	}
	return &TokenStore{StoragePath: storagePath}, nil
}

func (s *TokenStore) tokenPath(token string) string {
	return filepath.Join(s.StoragePath, "tokens", token+".json")
}

func (s *TokenStore) CreateToken(userID, email string, kind ac.TokenKind, ttl time.Duration) (*ac.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	at := &ac.AuthToken{
		Token:     ac.GenerateSecureToken(),
		Kind:      kind,
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.MarshalIndent(at, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomicFile(s.tokenPath(at.Token), data); err != nil {
		return nil, err
	}
	return at, nil
}

func (s *TokenStore) GetToken(token string) (*ac.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tokenPath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: unknown token", ac.ErrInvalidToken)
		}
		return nil, err
	}
	var at ac.AuthToken
	if err := json.Unmarshal(data, &at); err != nil {
		return nil, fmt.Errorf("corrupt token document: %w", err)
	}
	if at.Expired(time.Now()) {
		os.Remove(s.tokenPath(token))
		return nil, fmt.Errorf("%w: token expired", ac.ErrInvalidToken)
	}
	return &at, nil
}

func (s *TokenStore) DeleteToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.tokenPath(token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteUserTokens removes every token of the given kind belonging to the
// user, used to invalidate older reset links when a new one is requested.
func (s *TokenStore) DeleteUserTokens(userID string, kind ac.TokenKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.StoragePath, "tokens")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var at ac.AuthToken
		if err := json.Unmarshal(data, &at); err != nil {
			continue
		}
		if at.UserID == userID && at.Kind == kind {
			os.Remove(path)
		}
	}
	return nil
}
