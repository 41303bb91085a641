package server

import (
	"context"
	"errors"
	"time"

	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/scope"
	"github.com/cloverleaf/oauth-provider/storage"
)

// Supported grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

// TokenRequest carries the form parameters of a token endpoint request.
// Which fields matter depends on GrantType; the rest stay empty.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	RefreshToken string
	Scope        string
	Username     string
	Password     string
	ClientIP     string
}

// TokenGrant is the result of a successful exchange.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Exchange runs the token endpoint state machine for the request's grant
// type. Every failure is a *Error with a structured OAuth code and a
// 400/401 status; Exchange never maps protocol failures to 500.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenGrant, error) {
	client, err := s.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}

	if !client.AllowsGrantType(req.GrantType) {
		return nil, ErrUnauthorizedClient("client is not allowed the " + req.GrantType + " grant")
	}

	var grant *TokenGrant
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		grant, err = s.exchangeAuthorizationCode(ctx, client, req)
	case GrantTypeRefreshToken:
		grant, err = s.exchangeRefreshToken(ctx, client, req)
	case GrantTypeClientCredentials:
		grant, err = s.exchangeClientCredentials(ctx, client, req)
	case GrantTypePassword:
		grant, err = s.exchangePassword(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant type: " + req.GrantType)
	}
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// authenticateClient authenticates the requesting client. Confidential
// clients must present their secret; public clients present only their ID.
func (s *Server) authenticateClient(ctx context.Context, req *TokenRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "unknown client")
		}
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.Confidential {
		if err := s.clients.ValidateClientSecret(ctx, client.ID, req.ClientSecret); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", client.ID, req.ClientIP, "invalid client secret")
			}
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	return client, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.codes.ConsumeCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			// Reuse of a consumed code is the signature of a stolen code
			// being replayed.
			if s.Auditor != nil {
				s.Auditor.LogCodeReuseDetected(client.ID, req.ClientIP)
			}
			s.Logger.Warn("Authorization code reuse detected",
				"client_id", client.ID,
				"ip", req.ClientIP)
			return nil, ErrInvalidGrant("authorization code already used")
		case errors.Is(err, storage.ErrCodeNotFound), errors.Is(err, storage.ErrCodeExpired):
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		default:
			s.Logger.Error("Failed to consume authorization code", "error", err)
			return nil, ErrServerError("failed to process authorization code")
		}
	}

	if code.ClientID != client.ID {
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	return s.issueToken(ctx, client, code.UserID, code.Scopes, req.GrantType, req.ClientIP, true)
}

func (s *Server) exchangeRefreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	old, err := s.tokens.GetTokenByRefresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid or expired")
	}
	if old.ClientID != client.ID {
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	// An optional scope parameter narrows the grant, never widens it.
	grantedScopes := old.Scopes
	if req.Scope != "" {
		requested := scope.ParseList(req.Scope)
		narrowed := s.catalog.Filter(requested, old.Scopes)
		if len(narrowed) != len(requested) {
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		}
		grantedScopes = narrowed
	}

	if err := s.tokens.DeleteToken(ctx, old.Value); err != nil {
		s.Logger.Error("Failed to delete refreshed token", "error", err)
		return nil, ErrServerError("failed to refresh token")
	}

	now := time.Now()
	token := &storage.AccessToken{
		Value:        generateRandomToken(),
		RefreshValue: old.RefreshValue,
		ClientID:     client.ID,
		UserID:       old.UserID,
		Scopes:       grantedScopes,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.tokenTTL(client)),
	}
	if s.Config.RotateRefreshTokens {
		token.RefreshValue = generateRandomToken()
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save refreshed token", "error", err)
		return nil, ErrServerError("failed to refresh token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(old.UserID, client.ID, req.ClientIP, s.Config.RotateRefreshTokens)
	}
	s.Logger.Info("Access token refreshed",
		"client_id", client.ID,
		"rotated", s.Config.RotateRefreshTokens)

	return &TokenGrant{
		AccessToken:  token.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(token.ExpiresAt).Seconds()),
		RefreshToken: token.RefreshValue,
		Scope:        scope.JoinList(token.Scopes),
	}, nil
}

func (s *Server) exchangeClientCredentials(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if !client.Confidential {
		return nil, ErrUnauthorizedClient("client_credentials requires a confidential client")
	}

	scopes, oerr := s.grantScopes(client, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	// No user reference: the token acts for the client itself.
	return s.issueToken(ctx, client, "", scopes, req.GrantType, req.ClientIP, false)
}

func (s *Server) exchangePassword(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenGrant, error) {
	if s.authenticator == nil {
		return nil, ErrUnsupportedGrantType("password grant is not configured")
	}
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	user, err := s.authenticator.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, providers.ErrInvalidCredentials) {
			s.Logger.Error("Authenticator failure", "error", err)
			return nil, ErrServerError("authentication backend unavailable")
		}
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.Username, client.ID, req.ClientIP, "invalid resource owner credentials")
		}
		return nil, ErrInvalidGrant("invalid resource owner credentials")
	}

	scopes, oerr := s.grantScopes(client, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	return s.issueToken(ctx, client, user.ID, scopes, req.GrantType, req.ClientIP, true)
}

// grantScopes resolves the scope parameter of a direct grant against the
// client's allowed set. An empty request grants the client's full set.
func (s *Server) grantScopes(client *storage.Client, requestedScope string) ([]string, *Error) {
	requested := scope.ParseList(requestedScope)
	if len(requested) == 0 {
		requested = client.Scopes
	}
	granted := s.catalog.Filter(requested, client.Scopes)
	if len(granted) == 0 {
		return nil, ErrInvalidScope("no requested scope is available to this client")
	}
	return granted, nil
}

// issueToken mints and stores a fresh access token. withRefresh controls
// whether a refresh token accompanies it; client_credentials tokens are
// re-obtainable with the stored secret and carry none.
func (s *Server) issueToken(ctx context.Context, client *storage.Client, userID string, scopes []string, grantType, clientIP string, withRefresh bool) (*TokenGrant, error) {
	now := time.Now()
	token := &storage.AccessToken{
		Value:     generateRandomToken(),
		ClientID:  client.ID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.tokenTTL(client)),
	}
	if withRefresh {
		token.RefreshValue = generateRandomToken()
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, client.ID, clientIP, grantType, scope.JoinList(scopes))
	}
	s.Logger.Info("Access token issued",
		"client_id", client.ID,
		"grant_type", grantType,
		"scopes", scopes)

	return &TokenGrant{
		AccessToken:  token.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(token.ExpiresAt).Seconds()),
		RefreshToken: token.RefreshValue,
		Scope:        scope.JoinList(scopes),
	}, nil
}

// tokenTTL resolves the access token lifetime: per-client override first,
// then the server default.
func (s *Server) tokenTTL(client *storage.Client) time.Duration {
	if client.TokenTTL > 0 {
		return time.Duration(client.TokenTTL) * time.Second
	}
	return time.Duration(s.Config.AccessTokenTTL) * time.Second
}
