// Package authcore implements the identity and session subsystem of the
// Inkstream blog platform.
//
// The package separates authentication into small composable pieces: a
// credential store, a password hasher, a token issuer, a lockout guard and an
// account linker, all orchestrated by the Sessions type which exposes the
// register/login/refresh/logout flows consumed by the HTTP layer.
//
// # Architecture
//
// User: the root identity record. A user always holds a usable password
// credential, at least one linked OAuth identity, or both, never neither.
//
// LinkedIdentity: an association between a user and one external provider's
// subject id. The supported provider set is a closed enum (google, github,
// apple); each (provider, subject id) pair belongs to at most one user.
//
// RefreshToken: a long-lived bearer credential stored on the user record,
// exchanged for new access tokens. Each user keeps at most five; adding a
// sixth evicts the oldest.
//
// # Basic Usage
//
// Create a store and build the orchestrator:
//
//	import (
//	    "github.com/inkstream/authcore"
//	    "github.com/inkstream/authcore/stores/fs"
//	)
//
//	store, err := fs.NewUserStore("/path/to/storage")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg := (&authcore.Config{
//	    AccessTokenSecret:  os.Getenv("AUTHCORE_ACCESS_TOKEN_SECRET"),
//	    RefreshTokenSecret: os.Getenv("AUTHCORE_REFRESH_TOKEN_SECRET"),
//	}).EnsureDefaults()
//	sessions := authcore.NewSessions(store, cfg)
//
//	session, err := sessions.Register("alice@example.com", "Secret123!", "Alice", authcore.Device{})
//
// Mount the HTTP boundary:
//
//	handler := authcore.NewAuthHandler(sessions)
//	mux.Handle("/auth/", http.StripPrefix("/auth", handler.Router()))
//
// # Store Implementations
//
// The stores/fs package provides a JSON-file document store suitable for
// development and tests. stores/gaestore backs the same interface with Google
// Cloud Datastore for production, and stores/gormstore with any relational
// database GORM supports.
//
// # Security
//
// Passwords are hashed with bcrypt (cost 12 by default). Access and refresh
// tokens are HS256 JWTs signed with independent secrets and carry an explicit
// "type" claim, so a leaked refresh token can never pass access verification
// even if the secrets are accidentally shared. Verification and password
// reset tokens are cryptographically secure 32-byte values, single use, with
// automatic expiry.
//
// # Testing
//
// All flows can be exercised without a running server using httptest and the
// fs store against a temporary directory; see the journey tests in this
// package for complete register/login/refresh/logout walkthroughs.
package authcore
