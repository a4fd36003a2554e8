package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/inkstream/authcore"
)

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Sessions verifies tokens and loads users.
	Sessions *authcore.Sessions

	// RequireAuth when true rejects unauthenticated requests. When false,
	// requests proceed and IdentityFromContext returns nil.
	RequireAuth bool

	// PublicMethods don't require auth even when RequireAuth is set. Keys
	// are full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	// EnableSwitchAuth honors the x-switch-user header, bypassing token
	// verification. Development only.
	EnableSwitchAuth bool
}

// NewInterceptorConfig returns a config that requires auth for every method
// except those listed.
func NewInterceptorConfig(sessions *authcore.Sessions, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Sessions:      sessions,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that resolves identities when a token
// is present but lets unauthenticated requests through.
func OptionalAuthConfig(sessions *authcore.Sessions) *InterceptorConfig {
	return &InterceptorConfig{
		Sessions:      sessions,
		RequireAuth:   false,
		PublicMethods: make(map[string]bool),
	}
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies the
// access token in request metadata and attaches the identity to the context.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := resolveIdentity(ctx, config)
		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && id == nil {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		if id != nil {
			ctx = contextWithIdentity(ctx, id)
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns the stream-side counterpart of
// UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id := resolveIdentity(ss.Context(), config)
		if config.RequireAuth && !config.PublicMethods[info.FullMethod] && id == nil {
			return status.Error(codes.Unauthenticated, "authentication required")
		}
		if id != nil {
			ss = &identityStream{ServerStream: ss, ctx: contextWithIdentity(ss.Context(), id)}
		}
		return handler(srv, ss)
	}
}

// RequireRole guards a handler body: it fails with PermissionDenied unless
// the context identity holds one of the roles.
func RequireRole(ctx context.Context, roles ...authcore.Role) error {
	id := IdentityFromContext(ctx)
	if id == nil {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	for _, role := range roles {
		if id.Role == role {
			return nil
		}
	}
	return status.Error(codes.PermissionDenied, "insufficient role")
}

func resolveIdentity(ctx context.Context, config *InterceptorConfig) *Identity {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}

	if config.EnableSwitchAuth {
		if values := md.Get(MetadataKeySwitchUser); len(values) > 0 && values[0] != "" {
			return &Identity{UserID: values[0], Role: authcore.RoleUser}
		}
	}

	for _, value := range md.Get(MetadataKeyAuthorization) {
		token := strings.TrimPrefix(value, "Bearer ")
		u, err := config.Sessions.Authenticate(token)
		if err == nil {
			return &Identity{UserID: u.ID, Role: u.Role}
		}
	}
	return nil
}

// identityStream overrides Context so downstream handlers see the identity.
type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
