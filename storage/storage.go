package storage

import (
	"context"
	"time"
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	// Returns ErrClientNotFound if the client is not registered.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret.
	// Returns ErrInvalidClientSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore manages issued access tokens. A token record carries both the
// access value and its paired refresh value; revocation deletes the record
// and with it both values.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken saves an issued access token
	SaveToken(ctx context.Context, token *AccessToken) error

	// GetToken retrieves a token by its access value.
	// Returns ErrTokenNotFound on miss and ErrTokenExpired past expiry.
	GetToken(ctx context.Context, value string) (*AccessToken, error)

	// GetTokenByRefresh retrieves a token by its refresh value.
	// Returns ErrTokenNotFound on miss and ErrTokenExpired past expiry.
	GetTokenByRefresh(ctx context.Context, refreshValue string) (*AccessToken, error)

	// DeleteToken removes a token by its access value
	DeleteToken(ctx context.Context, value string) error
}

// CodeStore manages single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveCode saves an issued authorization code
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// GetCode retrieves an authorization code without consuming it
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeCode atomically checks that a code is unconsumed and marks it
	// consumed. Of two concurrent calls for the same code, exactly one
	// succeeds. Returns:
	// - ErrCodeNotFound if the code does not exist
	// - ErrCodeExpired if the code is past its expiry
	// - ErrCodeConsumed if the code was already presented (reuse)
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteCode removes an authorization code
	DeleteCode(ctx context.Context, code string) error
}

// Client represents a registered OAuth client
type Client struct {
	// ID is the public client identifier
	ID string

	// SecretHash is the bcrypt hash of the client secret.
	// Empty for public clients.
	SecretHash string

	// Confidential reports whether the client can keep a secret
	// (server-side app) as opposed to a public client (native/SPA).
	Confidential bool

	// RedirectURIs is the exact-match set of allowed redirect URIs
	RedirectURIs []string

	// GrantTypes lists the grant types this client may use
	GrantTypes []string

	// Scopes lists the scope codes this client may be granted
	Scopes []string

	// AutoApprove skips the consent page for this client. Intended for
	// first-party clients only.
	AutoApprove bool

	// TokenTTL overrides the server's access token lifetime for this
	// client, in seconds. Zero means use the server default.
	TokenTTL int64

	// Name is the human-readable client name shown on the consent page
	Name string

	CreatedAt time.Time
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether the redirect URI is an exact member of
// the client's registered set. No prefix or pattern matching is performed.
func (c *Client) AllowsRedirectURI(redirectURI string) bool {
	for _, uri := range c.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// AccessToken represents an issued access token and its paired refresh token.
type AccessToken struct {
	// Value is the opaque access token string
	Value string

	// RefreshValue is the opaque refresh token string paired with this
	// access token. Empty when the grant does not issue refresh tokens.
	RefreshValue string

	// ClientID is the client the token was issued to
	ClientID string

	// UserID is the resource owner the token acts for.
	// Empty for client_credentials tokens.
	UserID string

	// Scopes holds the granted scope codes
	Scopes []string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AuthorizationCode represents a single-use authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	UserID      string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// PendingAuthorization captures a validated authorization request between
// validation and the consent decision. Only primitive fields are stored so
// the record can be sealed into an opaque consent token.
type PendingAuthorization struct {
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	ResponseType string    `json:"response_type"`
	State        string    `json:"state,omitempty"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
