package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cloverleaf/oauth-provider/scope"
	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/storage"
)

// AuthorizationRequest carries the query parameters of an authorization
// endpoint request plus the client IP for audit logging.
type AuthorizationRequest struct {
	ClientID     string
	ResponseType string
	RedirectURI  string
	Scope        string // space-delimited scope codes, may be empty
	State        string
	ClientIP     string
}

// FatalError is an authorization error that must never be delivered via
// redirect: either the client is unknown or the redirect URI could not be
// verified. The HTTP layer renders it as an error page.
type FatalError struct {
	Code        string
	Description string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectError is an authorization error raised after the redirect URI was
// verified against the client's registration. It is safe to deliver to the
// client via redirect with error and state query parameters.
type RedirectError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// URL builds the redirect URL carrying the error back to the client.
func (e *RedirectError) URL() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ValidateAuthorization validates an authorization request and returns the
// pending authorization awaiting the consent decision.
//
// The error classification follows the redirect safety rule: until both the
// client and the redirect URI are verified, errors are *FatalError and must
// not be redirected anywhere an attacker chose. After verification, errors
// are *RedirectError carrying the verified redirect URI.
func (s *Server) ValidateAuthorization(ctx context.Context, req *AuthorizationRequest) (*storage.PendingAuthorization, error) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Warn("Authorization request for unknown client",
			"client_id", req.ClientID,
			"ip", req.ClientIP)
		return nil, &FatalError{
			Code:        ErrorCodeInvalidClient,
			Description: "unknown client",
		}
	}

	if req.RedirectURI == "" || !client.AllowsRedirectURI(req.RedirectURI) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				ClientID:  client.ID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, &FatalError{
			Code:        ErrorCodeInvalidRequest,
			Description: "redirect_uri is not registered for this client",
		}
	}

	// From here on the redirect URI is verified and errors may travel
	// back to the client.
	if req.ResponseType != "code" || !client.AllowsGrantType(GrantTypeAuthorizationCode) {
		return nil, &RedirectError{
			Code:        ErrorCodeUnsupportedResponseType,
			Description: "only the code response type is supported",
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	requested := scope.ParseList(req.Scope)
	if len(requested) == 0 {
		requested = client.Scopes
	}
	granted := s.catalog.Filter(requested, client.Scopes)
	if len(granted) == 0 {
		return nil, &RedirectError{
			Code:        ErrorCodeInvalidScope,
			Description: "no requested scope is available to this client",
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	now := time.Now()
	pending := &storage.PendingAuthorization{
		ClientID:     client.ID,
		RedirectURI:  req.RedirectURI,
		ResponseType: req.ResponseType,
		State:        req.State,
		Scopes:       granted,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(s.Config.PendingAuthorizationTTL) * time.Second),
	}

	s.Logger.Debug("Authorization request validated",
		"client_id", client.ID,
		"scopes", granted)

	return pending, nil
}

// SealPending serializes a pending authorization into an opaque consent
// token. The token is AES-256-GCM sealed, so the consent form can round-trip
// it through the user agent without the server keeping session state.
func (s *Server) SealPending(pending *storage.PendingAuthorization) (string, error) {
	payload, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("encoding pending authorization: %w", err)
	}
	sealed, err := s.Encryptor.Encrypt(string(payload))
	if err != nil {
		return "", fmt.Errorf("sealing pending authorization: %w", err)
	}
	return sealed, nil
}

// OpenPending decrypts and validates a consent token produced by
// SealPending. Tampered, foreign, or expired tokens fail with a FatalError
// since no redirect URI can be trusted out of them.
func (s *Server) OpenPending(sealed string) (*storage.PendingAuthorization, error) {
	payload, err := s.Encryptor.Decrypt(sealed)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type: security.EventConsentTokenRejected,
			})
		}
		return nil, &FatalError{
			Code:        ErrorCodeInvalidRequest,
			Description: "invalid consent token",
		}
	}

	var pending storage.PendingAuthorization
	if err := json.Unmarshal([]byte(payload), &pending); err != nil {
		return nil, &FatalError{
			Code:        ErrorCodeInvalidRequest,
			Description: "invalid consent token",
		}
	}

	if security.IsTokenExpiredWithGracePeriod(pending.ExpiresAt, s.clockSkewGrace()) {
		return nil, &FatalError{
			Code:        ErrorCodeInvalidRequest,
			Description: "consent token expired, restart the authorization flow",
		}
	}

	return &pending, nil
}

// ApproveAuthorization records the user's consent by minting a single-use
// authorization code and returns the redirect URL delivering it to the
// client.
func (s *Server) ApproveAuthorization(ctx context.Context, pending *storage.PendingAuthorization, userID string, clientIP string) (string, error) {
	if userID == "" {
		return "", ErrInvalidRequest("no authenticated user for consent approval")
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		ClientID:    pending.ClientID,
		RedirectURI: pending.RedirectURI,
		UserID:      userID,
		Scopes:      pending.Scopes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.codes.SaveCode(ctx, code); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(userID, pending.ClientID, clientIP, scope.JoinList(pending.Scopes))
	}
	s.Logger.Info("Authorization code issued",
		"client_id", pending.ClientID,
		"scopes", pending.Scopes)

	u, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", ErrServerError("stored redirect URI is not parseable")
	}
	q := u.Query()
	q.Set("code", code.Code)
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DenyAuthorization records the user's refusal. It returns the verified
// redirect URI for the deny response body; no code is issued.
func (s *Server) DenyAuthorization(pending *storage.PendingAuthorization, clientIP string) string {
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			ClientID:  pending.ClientID,
			IPAddress: clientIP,
		})
	}
	s.Logger.Info("Authorization denied by user", "client_id", pending.ClientID)
	return pending.RedirectURI
}

func (s *Server) clockSkewGrace() time.Duration {
	if s.Config.ClockSkewGracePeriod > 0 {
		return time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	}
	return security.DefaultClockSkewGracePeriod
}
