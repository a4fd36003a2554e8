package gormstore

import (
	"time"

	ac "github.com/inkstream/authcore"
)

// UserModel is the GORM model for users. Identities and refresh tokens live
// in their own tables and are joined back in when a full User is assembled.
type UserModel struct {
	ID                string     `gorm:"primaryKey;size:64"`
	Email             string     `gorm:"size:255;uniqueIndex"`
	Name              string     `gorm:"size:255"`
	PasswordHash      string     `gorm:"size:128"`
	Role              string     `gorm:"size:32;default:user"`
	IsVerified        bool       `gorm:"default:false"`
	IsActive          bool       `gorm:"default:true"`
	LoginAttempts     int        `gorm:"default:0"`
	LockUntil         *time.Time ``
	LastLogin         *time.Time ``
	PasswordChangedAt *time.Time ``
	CreatedAt         time.Time  `gorm:"autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

// IdentityModel is the GORM model for linked provider identities. The
// provider/subject pair is globally unique; a user additionally holds at
// most one row per provider, enforced by the store.
type IdentityModel struct {
	Provider    string    `gorm:"primaryKey;size:32"`
	SubjectID   string    `gorm:"primaryKey;size:255"`
	UserID      string    `gorm:"size:64;index"`
	Email       string    `gorm:"size:255"`
	DisplayName string    `gorm:"size:255"`
	AvatarURL   string    `gorm:"size:512"`
	LinkedAt    time.Time `gorm:"autoCreateTime"`
}

func (IdentityModel) TableName() string {
	return "identities"
}

func (m *IdentityModel) toLink() ac.LinkedIdentity {
	return ac.LinkedIdentity{
		Provider:    ac.Provider(m.Provider),
		SubjectID:   m.SubjectID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		LinkedAt:    m.LinkedAt,
	}
}

func identityToModel(userID string, link ac.LinkedIdentity) *IdentityModel {
	return &IdentityModel{
		Provider:    string(link.Provider),
		SubjectID:   link.SubjectID,
		UserID:      userID,
		Email:       link.Email,
		DisplayName: link.DisplayName,
		AvatarURL:   link.AvatarURL,
		LinkedAt:    link.LinkedAt,
	}
}

// RefreshTokenModel is the GORM model for active refresh tokens.
type RefreshTokenModel struct {
	Token     string    `gorm:"primaryKey;size:512"`
	UserID    string    `gorm:"size:64;index"`
	Device    string    `gorm:"size:512"`
	IPAddress string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ExpiresAt time.Time `gorm:"index"`
}

func (RefreshTokenModel) TableName() string {
	return "refresh_tokens"
}

func (m *RefreshTokenModel) toToken() ac.RefreshToken {
	return ac.RefreshToken{
		Token:     m.Token,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		Device:    m.Device,
		IPAddress: m.IPAddress,
	}
}

func refreshToModel(userID string, t ac.RefreshToken) *RefreshTokenModel {
	return &RefreshTokenModel{
		Token:     t.Token,
		UserID:    userID,
		Device:    t.Device,
		IPAddress: t.IPAddress,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

// AuthTokenModel is the GORM model for verification/reset tokens.
type AuthTokenModel struct {
	Token     string    `gorm:"primaryKey;size:128"`
	Kind      string    `gorm:"size:32;index"`
	UserID    string    `gorm:"size:64;index"`
	Email     string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ExpiresAt time.Time `gorm:"index"`
}

func (AuthTokenModel) TableName() string {
	return "auth_tokens"
}

func (m *AuthTokenModel) toAuthToken() *ac.AuthToken {
	return &ac.AuthToken{
		Token:     m.Token,
		Kind:      ac.TokenKind(m.Kind),
		UserID:    m.UserID,
		Email:     m.Email,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}
