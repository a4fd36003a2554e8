// Package grpc lets gRPC services behind the auth layer verify access
// tokens carried in request metadata and read the resulting identity from
// the context.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/inkstream/authcore"
)

// Metadata keys for authentication context.
const (
	// MetadataKeyAuthorization carries the access token, with or without a
	// Bearer prefix.
	MetadataKeyAuthorization = "authorization"

	// MetadataKeySwitchUser lets a caller impersonate another user. Only
	// honored when EnableSwitchAuth is set; never enable it outside
	// development.
	MetadataKeySwitchUser = "x-switch-user"
)

type identityKey struct{}

// Identity is what the interceptor resolves for an authenticated request.
type Identity struct {
	UserID string
	Role   authcore.Role
}

// IdentityFromContext returns the identity the interceptor attached, or nil
// for an unauthenticated request.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserIDFromContext returns the authenticated user ID, or "" when there is
// none.
func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}

// IsAuthenticated reports whether the context carries an authenticated user.
func IsAuthenticated(ctx context.Context) bool {
	return UserIDFromContext(ctx) != ""
}

func contextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// TokenToOutgoingContext attaches an access token to an outgoing call so a
// downstream service can authenticate it.
func TokenToOutgoingContext(ctx context.Context, accessToken string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyAuthorization, "Bearer "+accessToken)
}

// SwitchUserToOutgoingContext adds a switch-user header to an outgoing call.
// Only effective when the server enables switch auth.
func SwitchUserToOutgoingContext(ctx context.Context, switchToUserID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKeySwitchUser, switchToUserID)
}
