package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloverleaf/oauth-provider/instrumentation"
	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/server"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	// resolveSession identifies the logged-in user on the authorization
	// endpoint. Without it every authorize request fails, since this
	// server renders no login page of its own.
	resolveSession providers.SessionResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
		h.metrics = srv.Instrumentation.Metrics()
	}

	return h
}

// SetSessionResolver installs the host's session lookup for the
// authorization endpoint.
func (h *Handler) SetSessionResolver(resolve providers.SessionResolver) {
	h.resolveSession = resolve
}

// Routes registers all OAuth endpoints on the given mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth2/authorize", h.ServeAuthorize)
	mux.HandleFunc("/oauth2/deny", h.ServeDeny)
	mux.HandleFunc("/oauth2/token", h.ServeToken)
	mux.HandleFunc("/oauth2/tokeninfo", h.ServeTokenInfo)
	mux.HandleFunc("/oauth2/userinfo", h.ServeUserInfo)
	mux.HandleFunc("/oauth2/otherinfo", h.ServeOtherInfo)
	mux.HandleFunc("/oauth2/revoke_token", h.ServeRevokeToken)
}

// errorPageTemplate renders fatal authorization errors. These must never
// redirect, so the user gets a terminal page instead.
var errorPageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authorization Error</title>
</head>
<body>
    <h1>Authorization Error</h1>
    <p><strong>{{.Code}}</strong>{{if .Description}}: {{.Description}}{{end}}</p>
    <p>The request could not be completed. Contact the application developer.</p>
</body>
</html>
`))

// ServeAuthorize handles GET and POST on the authorization endpoint.
// GET validates the request and returns the consent context (or redirects
// immediately for auto-approved clients); POST records approval.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.beginAuthorization(w, r)
	case http.MethodPost:
		h.approveAuthorization(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) beginAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, clientIP, "authorize", http.MethodGet, startTime) {
		return
	}

	q := r.URL.Query()
	authReq := &server.AuthorizationRequest{
		ClientID:     q.Get("client_id"),
		ResponseType: q.Get("response_type"),
		RedirectURI:  q.Get("redirect_uri"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
		ClientIP:     clientIP,
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, authReq.ClientID),
		attribute.String(instrumentation.AttrResponseType, authReq.ResponseType),
	)

	pending, err := h.server.ValidateAuthorization(ctx, authReq)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusBadRequest, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAuthorizationValidated(ctx, pending.ClientID)
	}

	user := h.currentUser(r)
	if user == nil {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusUnauthorized, startTime)
		h.writeError(w, server.ErrorCodeInvalidRequest, "No authenticated user session", http.StatusUnauthorized)
		return
	}

	client, err := h.server.GetClient(ctx, pending.ClientID)
	if err != nil {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusInternalServerError, startTime)
		h.writeError(w, server.ErrorCodeServerError, "Failed to load client", http.StatusInternalServerError)
		return
	}

	if client.AutoApprove {
		redirect, err := h.server.ApproveAuthorization(ctx, pending, user.ID, clientIP)
		if err != nil {
			instrumentation.RecordError(span, err)
			h.writeAuthorizeError(w, r, err)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordConsentDecided(ctx, pending.ClientID, true)
		}
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusFound, startTime)
		instrumentation.SetSpanSuccess(span)
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	sealed, err := h.server.SealPending(pending)
	if err != nil {
		h.logger.Error("Failed to seal pending authorization", "error", err)
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusInternalServerError, startTime)
		h.writeError(w, server.ErrorCodeServerError, "Failed to prepare consent", http.StatusInternalServerError)
		return
	}

	consent := ConsentContext{
		ConsentToken: sealed,
		ClientName:   client.Name,
	}
	for _, code := range pending.Scopes {
		sc, ok := h.server.Catalog().Get(code)
		if !ok {
			continue
		}
		consent.Scopes = append(consent.Scopes, ConsentScope{Code: sc.Code, Description: sc.Description})
	}

	h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, consent)
}

func (h *Handler) approveAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.consent_approve")
		defer span.End()
	}

	clientIP := h.clientIP(r)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	pending, err := h.server.OpenPending(r.FormValue("consent_token"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		h.recordHTTPMetrics("authorize", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	user := h.currentUser(r)
	if user == nil {
		h.recordHTTPMetrics("authorize", http.MethodPost, http.StatusUnauthorized, startTime)
		h.writeError(w, server.ErrorCodeInvalidRequest, "No authenticated user session", http.StatusUnauthorized)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, pending.ClientID, user.ID, "")

	redirect, err := h.server.ApproveAuthorization(ctx, pending, user.ID, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		h.recordHTTPMetrics("authorize", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordConsentDecided(ctx, pending.ClientID, true)
	}
	h.recordHTTPMetrics("authorize", http.MethodPost, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeDeny handles consent denial. The response body shape is fixed for
// wire compatibility: {"grant":400,"redirect_uri":...}.
func (h *Handler) ServeDeny(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	pending, err := h.server.OpenPending(r.FormValue("consent_token"))
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		h.recordHTTPMetrics("deny", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	redirectURI := h.server.DenyAuthorization(pending, h.clientIP(r))

	if h.metrics != nil {
		h.metrics.RecordConsentDecided(ctx, pending.ClientID, false)
	}
	h.recordHTTPMetrics("deny", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, DenyResponse{
		Grant:       http.StatusBadRequest,
		RedirectURI: redirectURI,
	})
}

// ServeToken handles the token endpoint. Client credentials come from
// HTTP Basic auth or from the form body; Basic auth wins when both are
// present.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, clientIP, "token", http.MethodPost, startTime) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	tokenReq := &server.TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
		Username:     r.FormValue("username"),
		Password:     r.FormValue("password"),
		ClientIP:     clientIP,
	}

	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		tokenReq.ClientID = basicID
		tokenReq.ClientSecret = basicSecret
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, tokenReq.ClientID),
		attribute.String(instrumentation.AttrGrantType, tokenReq.GrantType),
	)

	grant, err := h.server.Exchange(ctx, tokenReq)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenIssued(ctx, tokenReq.ClientID, tokenReq.GrantType)
	}
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

// ServeTokenInfo handles GET /oauth2/tokeninfo?access_token=...
func (h *Handler) ServeTokenInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.tokeninfo")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, err := h.server.TokenInfoFor(ctx, r.URL.Query().Get("access_token"))
	if h.metrics != nil {
		h.metrics.RecordTokenIntrospected(ctx, err == nil)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("tokeninfo", http.MethodGet, status, startTime)
		return
	}

	h.recordHTTPMetrics("tokeninfo", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, info)
}

// ServeUserInfo handles GET /oauth2/userinfo. The token comes from the
// Authorization header as a Bearer token or from the access_token query
// parameter.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.userinfo")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := h.server.UserInfoFor(ctx, h.extractAccessToken(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("userinfo", http.MethodGet, status, startTime)
		return
	}

	h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, data)
}

// ServeOtherInfo handles GET /oauth2/otherinfo?access_token&model&id,
// returning scope-filtered fields of an arbitrary resource type.
func (h *Handler) ServeOtherInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.otherinfo")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	model := q.Get("model")
	if model == "" {
		h.recordHTTPMetrics("otherinfo", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrorCodeInvalidRequest, "model is required", http.StatusBadRequest)
		return
	}

	token, err := h.server.CheckAccessToken(ctx, h.extractAccessToken(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("otherinfo", http.MethodGet, status, startTime)
		return
	}

	resourceID := q.Get("id")
	if resourceID == "" {
		resourceID = token.UserID
	}

	data, err := h.server.DataForResource(ctx, token, model, resourceID)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("otherinfo", http.MethodGet, status, startTime)
		return
	}

	h.recordHTTPMetrics("otherinfo", http.MethodGet, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, data)
}

// ServeRevokeToken handles POST /oauth2/revoke_token with a form body
// carrying the token to revoke (access or refresh value).
func (h *Handler) ServeRevokeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.revoke")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if err := h.server.Revoke(ctx, r.FormValue("token"), h.clientIP(r)); err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("revoke", http.MethodPost, status, startTime)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenRevoked(ctx, "")
	}
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// currentUser resolves the logged-in user via the injected session
// resolver. Returns nil when no resolver is set or nobody is logged in.
func (h *Handler) currentUser(r *http.Request) *providers.User {
	if h.resolveSession == nil {
		return nil
	}
	user, err := h.resolveSession(r)
	if err != nil {
		h.logger.Warn("Session resolution failed", "error", err)
		return nil
	}
	return user
}

// extractAccessToken pulls the access token from the Authorization header
// (Bearer scheme) or, failing that, from the access_token query parameter.
func (h *Handler) extractAccessToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], tokenTypeBearer) {
			return parts[1]
		}
	}
	return r.URL.Query().Get("access_token")
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkRateLimit applies the IP rate limiter if one is configured.
// Returns true if the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, clientIP, endpoint, method string, startTime time.Time) bool {
	if h.server.RateLimiter == nil {
		return false
	}
	if h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(context.Background(), "ip")
	}
	h.recordHTTPMetrics(endpoint, method, http.StatusTooManyRequests, startTime)
	h.writeError(w, server.ErrorCodeRateLimitExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}

// writeAuthorizeError encodes an authorization endpoint failure.
// Redirect-safe errors go back to the client via 302; fatal errors render
// a terminal page; anything else falls back to JSON.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var redirErr *server.RedirectError
	if errors.As(err, &redirErr) {
		http.Redirect(w, r, redirErr.URL(), http.StatusFound)
		return
	}

	var fatalErr *server.FatalError
	if errors.As(err, &fatalErr) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		if terr := errorPageTemplate.Execute(w, fatalErr); terr != nil {
			h.logger.Error("Failed to render error page", "error", terr)
		}
		return
	}

	h.writeOAuthError(w, err)
}

// writeOAuthError encodes a protocol error as JSON and returns the HTTP
// status it used.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) int {
	var oauthErr *server.Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return oauthErr.Status
	}

	h.logger.Error("Unclassified error on OAuth endpoint", "error", err)
	h.writeError(w, server.ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	return http.StatusInternalServerError
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
