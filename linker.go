package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Assertion is the identity claim produced by an OAuth provider client after
// a successful exchange: who the provider says the subject is, plus whatever
// profile data it supplied.
type Assertion struct {
	Provider      Provider
	SubjectID     string
	Email         string
	DisplayName   string
	AvatarURL     string
	EmailVerified bool
}

// Linker resolves incoming identity assertions against the credential store,
// creating or merging user records.
type Linker struct {
	Store UserStore
}

// Resolve maps an assertion to a user, in order:
//
//  1. A user already owning (provider, subject id) is a returning user.
//  2. A user with the same email gains a link for the provider (replacing any
//     stale entry for that provider) and, if the provider vouches for the
//     email, becomes verified.
//  3. Otherwise a new user is created from the assertion, with no password.
//
// An assertion without an email (or subject id) fails with
// ErrAssertionIncomplete rather than being silently defaulted.
func (l *Linker) Resolve(a *Assertion) (*User, error) {
	if a.SubjectID == "" || a.Email == "" {
		return nil, ErrAssertionIncomplete
	}
	email := NormalizeEmail(a.Email)
	now := time.Now()

	if u, err := l.Store.GetUserByIdentity(a.Provider, a.SubjectID); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	if u, err := l.Store.GetUserByEmail(email); err == nil {
		link := l.newLink(a, now)
		if err := l.Store.SaveLinkedIdentity(u.ID, link); err != nil {
			return nil, err
		}
		replaceLink(u, link)
		if a.EmailVerified && !u.IsVerified {
			if err := l.Store.SetVerified(u.ID); err != nil {
				return nil, err
			}
			u.IsVerified = true
		}
		return u, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	u := &User{
		ID:               xid.New().String(),
		Email:            email,
		Name:             displayName(a, email),
		Role:             RoleUser,
		IsVerified:       a.EmailVerified,
		IsActive:         true,
		LinkedIdentities: []LinkedIdentity{l.newLink(a, now)},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.Store.CreateUser(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Unlink removes the user's link for the given provider. It refuses with
// ErrLastCredential when the removal would leave the account with neither a
// password nor any remaining linked identity.
func (l *Linker) Unlink(userID string, provider Provider) error {
	u, err := l.Store.GetUserByID(userID)
	if err != nil {
		return err
	}
	if u.Identity(provider) == nil {
		return ErrIdentityNotLinked
	}
	if !u.HasPassword() && len(u.LinkedIdentities) <= 1 {
		return ErrLastCredential
	}
	return l.Store.RemoveLinkedIdentity(userID, provider)
}

func (l *Linker) newLink(a *Assertion, now time.Time) LinkedIdentity {
	return LinkedIdentity{
		Provider:    a.Provider,
		SubjectID:   a.SubjectID,
		Email:       NormalizeEmail(a.Email),
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
		LinkedAt:    now,
	}
}

func replaceLink(u *User, link LinkedIdentity) {
	for i := range u.LinkedIdentities {
		if u.LinkedIdentities[i].Provider == link.Provider {
			u.LinkedIdentities[i] = link
			return
		}
	}
	u.LinkedIdentities = append(u.LinkedIdentities, link)
}

func displayName(a *Assertion, email string) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	// Fall back to the email's local part.
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return fmt.Sprintf("%s user", a.Provider)
}
