// Package providers defines the interfaces through which the authorization
// server reaches the host application: resource owner authentication for
// the password grant and resource data access for scope-filtered reads.
package providers

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors returned by provider implementations.
var (
	// ErrInvalidCredentials is returned when a username/password pair does
	// not authenticate. Implementations should not distinguish unknown
	// users from wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownResource is returned when a resource type is not served
	// by this provider.
	ErrUnknownResource = errors.New("unknown resource type")

	// ErrResourceNotFound is returned when a resource ID does not exist
	ErrResourceNotFound = errors.New("resource not found")
)

// User represents an authenticated resource owner.
type User struct {
	// ID is the stable user identifier tokens are bound to
	ID string

	// Name is the user's display name
	Name string

	// Email is the user's email address
	Email string
}

// Authenticator verifies resource owner credentials for the password grant.
type Authenticator interface {
	// Authenticate verifies a username/password pair.
	// Returns ErrInvalidCredentials when the pair does not authenticate.
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

// SessionResolver reports the authenticated resource owner for a browser
// request on the authorization endpoint. How the session is established
// (cookie, header, fronting proxy) is up to the host application.
// Returning a nil user with a nil error means nobody is logged in.
type SessionResolver func(r *http.Request) (*User, error)

// ResourceProvider serves resource field data for introspection endpoints.
// The server filters the returned map down to the fields the presented
// token's scopes expose; providers return the full record.
type ResourceProvider interface {
	// ResourceData returns all fields of the identified resource.
	// Returns ErrUnknownResource for resource types the provider does not
	// serve and ErrResourceNotFound for unknown IDs.
	ResourceData(ctx context.Context, resourceType, resourceID string) (map[string]any, error)
}
