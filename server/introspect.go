package server

import (
	"context"
	"errors"
	"time"

	"github.com/cloverleaf/oauth-provider/internal/util"
	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/storage"
)

// TokenInfo describes a live access token for the tokeninfo endpoint.
// User fields are present only when the token's scopes expose the user's
// id field.
type TokenInfo struct {
	Audience  string   `json:"audience"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in"`
	UserID    string   `json:"user_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Email     string   `json:"email,omitempty"`
}

// CheckAccessToken validates a presented access token value. A token is
// valid iff it is found and not expired; a revoked token was deleted and
// therefore is simply not found.
func (s *Server) CheckAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	if value == "" {
		return nil, ErrInvalidOrExpiredToken("no access token provided")
	}

	token, err := s.tokens.GetToken(ctx, value)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidOrExpiredToken("access token is invalid or expired")
		default:
			s.Logger.Error("Token lookup failed", "error", err)
			return nil, ErrServerError("failed to check token")
		}
	}

	return token, nil
}

// RemainingLifetime returns the seconds until the token expires, clamped
// at zero.
func RemainingLifetime(token *storage.AccessToken) int64 {
	remaining := int64(time.Until(token.ExpiresAt).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Revoke invalidates a token by its access or refresh value. The whole
// record is deleted, so both values die together.
func (s *Server) Revoke(ctx context.Context, value, clientIP string) error {
	if value == "" {
		return ErrInvalidRequest("token is required")
	}

	token, err := s.tokens.GetToken(ctx, value)
	if err != nil {
		token, err = s.tokens.GetTokenByRefresh(ctx, value)
	}
	if err != nil {
		// Never log the presented value itself; a prefix is enough to
		// correlate with client reports.
		s.Logger.Debug("Revocation target not found", "token_prefix", util.SafeTruncate(value, 8))
		return ErrInvalidOrExpiredToken("token is invalid or already expired")
	}

	if err := s.tokens.DeleteToken(ctx, token.Value); err != nil {
		s.Logger.Error("Failed to delete revoked token", "error", err)
		return ErrServerError("failed to revoke token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(token.UserID, token.ClientID, clientIP, "access+refresh")
	}
	s.Logger.Info("Token revoked", "client_id", token.ClientID)

	return nil
}

// TokenInfoFor builds the tokeninfo view of a presented access token.
// User identity fields are attached only when the token carries a scope
// exposing the user's id field; a client_credentials token never does.
func (s *Server) TokenInfoFor(ctx context.Context, value string) (*TokenInfo, error) {
	token, err := s.CheckAccessToken(ctx, value)
	if err != nil {
		return nil, err
	}

	info := &TokenInfo{
		Audience:  token.ClientID,
		Scopes:    token.Scopes,
		ExpiresIn: RemainingLifetime(token),
	}

	if token.UserID != "" && s.resources != nil && s.catalog.Exposes(token.Scopes, "user", "id") {
		data, err := s.resources.ResourceData(ctx, "user", token.UserID)
		if err != nil {
			s.Logger.Warn("Failed to load user data for tokeninfo",
				"error", err)
			return info, nil
		}
		if id, ok := data["id"].(string); ok {
			info.UserID = id
		}
		if s.catalog.Exposes(token.Scopes, "user", "name") {
			if name, ok := data["name"].(string); ok {
				info.Name = name
			}
		}
		if s.catalog.Exposes(token.Scopes, "user", "email") {
			if email, ok := data["email"].(string); ok {
				info.Email = email
			}
		}
	}

	return info, nil
}

// UserInfoFor returns the scope-filtered user fields for the token's
// resource owner.
func (s *Server) UserInfoFor(ctx context.Context, value string) (map[string]any, error) {
	token, err := s.CheckAccessToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if token.UserID == "" {
		return nil, ErrInvalidToken("token is not bound to a user")
	}
	return s.DataForResource(ctx, token, "user", token.UserID)
}

// DataForResource returns the fields of a resource that the token's scopes
// expose. Fields outside the token's reach are silently omitted; a token
// with no authorized fields gets an empty map, not an error.
func (s *Server) DataForResource(ctx context.Context, token *storage.AccessToken, resourceType, resourceID string) (map[string]any, error) {
	if s.resources == nil {
		return nil, ErrInvalidModel("no resource provider configured")
	}

	data, err := s.resources.ResourceData(ctx, resourceType, resourceID)
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrUnknownResource):
			return nil, ErrInvalidModel("unknown resource type: " + resourceType)
		case errors.Is(err, providers.ErrResourceNotFound):
			return nil, ErrInvalidRequest("resource not found")
		default:
			s.Logger.Error("Resource provider failure", "error", err)
			return nil, ErrServerError("failed to load resource data")
		}
	}

	allowed := s.catalog.FieldsFor(token.Scopes, resourceType)
	filtered := make(map[string]any, len(allowed))
	for _, field := range allowed {
		if v, ok := data[field]; ok {
			filtered[field] = v
		}
	}

	return filtered, nil
}
