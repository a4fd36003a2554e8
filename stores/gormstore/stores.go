// Package gormstore provides SQL-backed stores using GORM, suitable for
// any database GORM speaks (sqlite for tests, postgres in production).
package gormstore

import (
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"

	ac "github.com/inkstream/authcore"
)

// AutoMigrate runs database migrations for all auth tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&IdentityModel{},
		&RefreshTokenModel{},
		&AuthTokenModel{},
	)
}

// =============================================================================
// UserStore
// =============================================================================

// UserStore implements authcore.UserStore using GORM.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(u *ac.User) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing UserModel
		err := tx.First(&existing, "email = ?", u.Email).Error
		if err == nil {
			return ac.ErrDuplicateEmail
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		for _, link := range u.LinkedIdentities {
			var ident IdentityModel
			err := tx.First(&ident, "provider = ? AND subject_id = ?",
				string(link.Provider), link.SubjectID).Error
			if err == nil {
				return ac.ErrDuplicateIdentity
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if err := tx.Create(userToModel(u)).Error; err != nil {
			return err
		}
		for _, link := range u.LinkedIdentities {
			if err := tx.Create(identityToModel(u.ID, link)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *UserStore) GetUserByID(userID string) (*ac.User, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.assemble(&model)
}

func (s *UserStore) GetUserByEmail(email string) (*ac.User, error) {
	var model UserModel
	if err := s.db.First(&model, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.assemble(&model)
}

func (s *UserStore) GetUserByIdentity(provider ac.Provider, subjectID string) (*ac.User, error) {
	var ident IdentityModel
	err := s.db.First(&ident, "provider = ? AND subject_id = ?",
		string(provider), subjectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ac.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ident.UserID)
}

func (s *UserStore) UpdatePassword(userID, passwordHash string, changedAt time.Time) error {
	return s.updateUser(userID, map[string]any{
		"password_hash":       passwordHash,
		"password_changed_at": changedAt,
	})
}

func (s *UserStore) SetVerified(userID string) error {
	return s.updateUser(userID, map[string]any{"is_verified": true})
}

func (s *UserStore) SetActive(userID string, active bool) error {
	return s.updateUser(userID, map[string]any{"is_active": active})
}

func (s *UserStore) SaveLinkedIdentity(userID string, link ac.LinkedIdentity) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing IdentityModel
		err := tx.First(&existing, "provider = ? AND subject_id = ?",
			string(link.Provider), link.SubjectID).Error
		if err == nil {
			if existing.UserID != userID {
				return ac.ErrDuplicateIdentity
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// One row per provider per user.
		if err := tx.Where("user_id = ? AND provider = ?",
			userID, string(link.Provider)).Delete(&IdentityModel{}).Error; err != nil {
			return err
		}
		return tx.Create(identityToModel(userID, link)).Error
	})
}

func (s *UserStore) RemoveLinkedIdentity(userID string, provider ac.Provider) error {
	result := s.db.Where("user_id = ? AND provider = ?",
		userID, string(provider)).Delete(&IdentityModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ac.ErrIdentityNotLinked
	}
	return nil
}

func (s *UserStore) AppendRefreshToken(userID string, token ac.RefreshToken, cap int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(refreshToModel(userID, token)).Error; err != nil {
			return err
		}
		if cap <= 0 {
			return nil
		}
		var count int64
		if err := tx.Model(&RefreshTokenModel{}).
			Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count <= int64(cap) {
			return nil
		}
		// Evict oldest rows beyond the cap.
		var victims []RefreshTokenModel
		if err := tx.Where("user_id = ?", userID).
			Order("created_at asc").Limit(int(count) - cap).
			Find(&victims).Error; err != nil {
			return err
		}
		for _, v := range victims {
			if err := tx.Delete(&RefreshTokenModel{}, "token = ?", v.Token).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *UserStore) RemoveRefreshToken(userID, token string) error {
	return s.db.Where("user_id = ? AND token = ?", userID, token).
		Delete(&RefreshTokenModel{}).Error
}

func (s *UserStore) ReplaceRefreshTokens(userID string, tokens []ac.RefreshToken) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).
			Delete(&RefreshTokenModel{}).Error; err != nil {
			return err
		}
		for _, t := range tokens {
			if err := tx.Create(refreshToModel(userID, t)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *UserStore) RecordLoginFailure(userID string) (int, error) {
	var attempts int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&UserModel{}).Where("id = ?", userID).
			UpdateColumn("login_attempts", gorm.Expr("login_attempts + ?", 1))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ac.ErrUserNotFound
		}
		var model UserModel
		if err := tx.Select("login_attempts").First(&model, "id = ?", userID).Error; err != nil {
			return err
		}
		attempts = model.LoginAttempts
		return nil
	})
	return attempts, err
}

func (s *UserStore) LockAccount(userID string, until time.Time) error {
	return s.updateUser(userID, map[string]any{"lock_until": until})
}

func (s *UserStore) ResetLockout(userID string) error {
	return s.updateUser(userID, map[string]any{
		"login_attempts": 0,
		"lock_until":     nil,
	})
}

func (s *UserStore) RecordLoginSuccess(userID string, at time.Time) error {
	return s.updateUser(userID, map[string]any{
		"login_attempts": 0,
		"lock_until":     nil,
		"last_login":     at,
	})
}

func (s *UserStore) updateUser(userID string, fields map[string]any) error {
	result := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ac.ErrUserNotFound
	}
	return nil
}

// assemble joins the identity and refresh token rows back onto the user.
func (s *UserStore) assemble(model *UserModel) (*ac.User, error) {
	u := modelToUser(model)

	var idents []IdentityModel
	if err := s.db.Where("user_id = ?", model.ID).Find(&idents).Error; err != nil {
		return nil, err
	}
	for i := range idents {
		u.LinkedIdentities = append(u.LinkedIdentities, idents[i].toLink())
	}

	var tokens []RefreshTokenModel
	if err := s.db.Where("user_id = ?", model.ID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	for i := range tokens {
		u.RefreshTokens = append(u.RefreshTokens, tokens[i].toToken())
	}
	sort.SliceStable(u.RefreshTokens, func(i, j int) bool {
		return u.RefreshTokens[i].CreatedAt.Before(u.RefreshTokens[j].CreatedAt)
	})
	return u, nil
}

func userToModel(u *ac.User) *UserModel {
	return &UserModel{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		PasswordHash:      u.PasswordHash,
		Role:              string(u.Role),
		IsVerified:        u.IsVerified,
		IsActive:          u.IsActive,
		LoginAttempts:     u.LoginAttempts,
		LockUntil:         u.LockUntil,
		LastLogin:         u.LastLogin,
		PasswordChangedAt: u.PasswordChangedAt,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func modelToUser(m *UserModel) *ac.User {
	return &ac.User{
		ID:                m.ID,
		Email:             m.Email,
		Name:              m.Name,
		PasswordHash:      m.PasswordHash,
		Role:              ac.Role(m.Role),
		IsVerified:        m.IsVerified,
		IsActive:          m.IsActive,
		LoginAttempts:     m.LoginAttempts,
		LockUntil:         m.LockUntil,
		LastLogin:         m.LastLogin,
		PasswordChangedAt: m.PasswordChangedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// =============================================================================
// TokenStore
// =============================================================================

// TokenStore implements authcore.TokenStore using GORM.
type TokenStore struct {
	db *gorm.DB
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) CreateToken(userID, email string, kind ac.TokenKind, ttl time.Duration) (*ac.AuthToken, error) {
	now := time.Now()
	model := &AuthTokenModel{
		Token:     ac.GenerateSecureToken(),
		Kind:      string(kind),
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.db.Create(model).Error; err != nil {
		return nil, err
	}
	return model.toAuthToken(), nil
}

func (s *TokenStore) GetToken(token string) (*ac.AuthToken, error) {
	var model AuthTokenModel
	if err := s.db.First(&model, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ac.ErrInvalidToken
		}
		return nil, err
	}
	at := model.toAuthToken()
	if at.Expired(time.Now()) {
		s.db.Delete(&AuthTokenModel{}, "token = ?", token)
		return nil, ac.ErrInvalidToken
	}
	return at, nil
}

func (s *TokenStore) DeleteToken(token string) error {
	return s.db.Delete(&AuthTokenModel{}, "token = ?", token).Error
}

func (s *TokenStore) DeleteUserTokens(userID string, kind ac.TokenKind) error {
	return s.db.Where("user_id = ? AND kind = ?", userID, string(kind)).
		Delete(&AuthTokenModel{}).Error
}
