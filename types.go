package oauth

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ConsentContext is returned by GET /oauth2/authorize when a consent
// decision is needed. The host renders its consent page from it and posts
// the consent token back to approve or deny.
type ConsentContext struct {
	// ConsentToken is the sealed pending authorization. It must be posted
	// back unchanged to /oauth2/authorize or /oauth2/deny.
	ConsentToken string `json:"consent_token"`

	// ClientName is the display name of the requesting client
	ClientName string `json:"client_name"`

	// Scopes describes what the client is asking for
	Scopes []ConsentScope `json:"scopes"`
}

// ConsentScope is one requested scope as shown on the consent page.
type ConsentScope struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// DenyResponse is the body of a consent denial. The shape is fixed for
// wire compatibility with existing consumers.
type DenyResponse struct {
	Grant       int    `json:"grant"`
	RedirectURI string `json:"redirect_uri"`
}
