package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloverleaf/oauth-provider/providers"
	"github.com/cloverleaf/oauth-provider/scope"
	"github.com/cloverleaf/oauth-provider/server"
	"github.com/cloverleaf/oauth-provider/storage"
	"github.com/cloverleaf/oauth-provider/storage/memory"
)

type testResourceProvider struct{}

func (testResourceProvider) ResourceData(_ context.Context, resourceType, resourceID string) (map[string]any, error) {
	if resourceType != "user" {
		return nil, providers.ErrUnknownResource
	}
	if resourceID != "user-1" {
		return nil, providers.ErrResourceNotFound
	}
	return map[string]any{
		"id":    "user-1",
		"name":  "Alice",
		"email": "alice@example.com",
	}, nil
}

func newTestHandler(t *testing.T) (*Handler, *server.Server, *memory.Store) {
	t.Helper()

	store := memory.NewWithCleanupInterval(0)
	t.Cleanup(store.Stop)

	catalog := scope.NewCatalog(
		scope.Scope{
			Code:        "profile",
			Description: "Basic profile information",
			Fields:      map[string][]string{"user": {"id", "name"}},
		},
		scope.Scope{
			Code:        "email",
			Description: "Email address",
			Fields:      map[string][]string{"user": {"id", "email"}},
		},
	)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(store, store, store, catalog, &server.Config{Issuer: "http://localhost:8080"}, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv.SetResourceProvider(testResourceProvider{})

	secretHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	client := &storage.Client{
		ID:           "web-app",
		SecretHash:   string(secretHash),
		Confidential: true,
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
		Scopes:       []string{"profile", "email"},
		Name:         "Web App",
		CreatedAt:    time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	h := NewHandler(srv, logger)
	h.SetSessionResolver(func(*http.Request) (*providers.User, error) {
		return &providers.User{ID: "user-1", Name: "Alice", Email: "alice@example.com"}, nil
	})
	return h, srv, store
}

func authorizeQuery() string {
	q := url.Values{}
	q.Set("client_id", "web-app")
	q.Set("response_type", "code")
	q.Set("redirect_uri", "https://app.example.com/callback")
	q.Set("scope", "profile email")
	q.Set("state", "xyz123")
	return q.Encode()
}

func TestAuthorizeReturnsConsentContext(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+authorizeQuery(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var consent ConsentContext
	if err := json.Unmarshal(w.Body.Bytes(), &consent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consent.ConsentToken == "" {
		t.Error("missing consent token")
	}
	if consent.ClientName != "Web App" {
		t.Errorf("ClientName = %q", consent.ClientName)
	}
	if len(consent.Scopes) != 2 || consent.Scopes[0].Description == "" {
		t.Errorf("Scopes = %+v", consent.Scopes)
	}
}

func TestAuthorizeUnknownClientRendersErrorPage(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?client_id=nobody&response_type=code&redirect_uri=https%3A%2F%2Fevil.example.com", nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want an HTML error page", ct)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("fatal error must not redirect, got Location %q", loc)
	}
}

func TestAuthorizeUnsupportedResponseTypeRedirects(t *testing.T) {
	h, _, _ := newTestHandler(t)

	q := url.Values{}
	q.Set("client_id", "web-app")
	q.Set("response_type", "token")
	q.Set("redirect_uri", "https://app.example.com/callback")
	q.Set("state", "xyz123")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if got := loc.Query().Get("error"); got != "unsupported_response_type" {
		t.Errorf("error = %q", got)
	}
	if got := loc.Query().Get("state"); got != "xyz123" {
		t.Errorf("state = %q", got)
	}
}

func TestAuthorizeWithoutSession(t *testing.T) {
	h, _, _ := newTestHandler(t)
	h.SetSessionResolver(nil)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+authorizeQuery(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAutoApproveSkipsConsent(t *testing.T) {
	h, _, store := newTestHandler(t)

	client, err := store.GetClient(context.Background(), "web-app")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	client.AutoApprove = true
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+authorizeQuery(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Error("redirect has no code")
	}
}

// runConsentFlow walks GET authorize + POST authorize and returns the
// authorization code delivered in the final redirect.
func runConsentFlow(t *testing.T, h *Handler) string {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+authorizeQuery(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status = %d", w.Code)
	}
	var consent ConsentContext
	if err := json.Unmarshal(w.Body.Bytes(), &consent); err != nil {
		t.Fatalf("decode consent: %v", err)
	}

	form := url.Values{}
	form.Set("consent_token", consent.ConsentToken)
	r = httptest.NewRequest(http.MethodPost, "/oauth2/authorize", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeAuthorize(w, r)
	if w.Code != http.StatusFound {
		t.Fatalf("approve status = %d, body = %s", w.Code, w.Body.String())
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}
	if loc.Query().Get("state") != "xyz123" {
		t.Errorf("state = %q", loc.Query().Get("state"))
	}
	return code
}

func postToken(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeToken(w, r)
	return w
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	h, _, _ := newTestHandler(t)

	code := runConsentFlow(t, h)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", "web-app")
	form.Set("client_secret", "s3cret")
	form.Set("code", code)
	form.Set("redirect_uri", "https://app.example.com/callback")

	w := postToken(t, h, form)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}

	// tokeninfo on the issued token
	r := httptest.NewRequest(http.MethodGet, "/oauth2/tokeninfo?access_token="+url.QueryEscape(resp.AccessToken), nil)
	w = httptest.NewRecorder()
	h.ServeTokenInfo(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("tokeninfo status = %d", w.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["audience"] != "web-app" {
		t.Errorf("audience = %v", info["audience"])
	}
	if info["user_id"] != "user-1" {
		t.Errorf("user_id = %v", info["user_id"])
	}
}

func TestTokenInfoExpiredToken(t *testing.T) {
	h, _, store := newTestHandler(t)

	tok := &storage.AccessToken{
		Value:     "tok-stale",
		ClientID:  "web-app",
		UserID:    "user-1",
		Scopes:    []string{"profile"},
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := store.SaveToken(context.Background(), tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/oauth2/tokeninfo?access_token=tok-stale", nil)
	w := httptest.NewRecorder()
	h.ServeTokenInfo(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid_or_expired_token" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	h, _, _ := newTestHandler(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	r := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("web-app", "s3cret")
	w := httptest.NewRecorder()
	h.ServeToken(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not return a refresh token")
	}
}

func TestTokenEndpointInvalidClient(t *testing.T) {
	h, _, _ := newTestHandler(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", "web-app")
	form.Set("client_secret", "wrong")

	w := postToken(t, h, form)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid_client" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestDenyFlow(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+authorizeQuery(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)
	var consent ConsentContext
	if err := json.Unmarshal(w.Body.Bytes(), &consent); err != nil {
		t.Fatalf("decode consent: %v", err)
	}

	form := url.Values{}
	form.Set("consent_token", consent.ConsentToken)
	r = httptest.NewRequest(http.MethodPost, "/oauth2/deny", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeDeny(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var deny DenyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &deny); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if deny.Grant != http.StatusBadRequest {
		t.Errorf("grant = %d, want 400", deny.Grant)
	}
	if deny.RedirectURI != "https://app.example.com/callback" {
		t.Errorf("redirect_uri = %q", deny.RedirectURI)
	}
}

func TestDenyRejectsTamperedConsentToken(t *testing.T) {
	h, _, _ := newTestHandler(t)

	form := url.Values{}
	form.Set("consent_token", "bogus")
	r := httptest.NewRequest(http.MethodPost, "/oauth2/deny", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeDeny(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUserInfoBearerHeader(t *testing.T) {
	h, _, store := newTestHandler(t)
	issueHandlerToken(t, store, "tok-userinfo", "user-1", "profile", "email")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/userinfo", nil)
	r.Header.Set("Authorization", "Bearer tok-userinfo")
	w := httptest.NewRecorder()
	h.ServeUserInfo(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var data map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["name"] != "Alice" || data["email"] != "alice@example.com" {
		t.Errorf("data = %v", data)
	}
}

func TestUserInfoQueryParam(t *testing.T) {
	h, _, store := newTestHandler(t)
	issueHandlerToken(t, store, "tok-query", "user-1", "profile")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/userinfo?access_token=tok-query", nil)
	w := httptest.NewRecorder()
	h.ServeUserInfo(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := data["email"]; ok {
		t.Error("profile scope must not expose email")
	}
}

func TestUserInfoInvalidToken(t *testing.T) {
	h, _, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/userinfo?access_token=nope", nil)
	w := httptest.NewRecorder()
	h.ServeUserInfo(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid_or_expired_token" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestOtherInfoUnknownModel(t *testing.T) {
	h, _, store := newTestHandler(t)
	issueHandlerToken(t, store, "tok-other", "user-1", "profile")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/otherinfo?access_token=tok-other&model=spaceship&id=x", nil)
	w := httptest.NewRecorder()
	h.ServeOtherInfo(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid_model" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestOtherInfoDefaultsToTokenUser(t *testing.T) {
	h, _, store := newTestHandler(t)
	issueHandlerToken(t, store, "tok-default", "user-1", "profile")

	r := httptest.NewRequest(http.MethodGet, "/oauth2/otherinfo?access_token=tok-default&model=user", nil)
	w := httptest.NewRecorder()
	h.ServeOtherInfo(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var data map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["id"] != "user-1" {
		t.Errorf("data = %v", data)
	}
}

func TestRevokeToken(t *testing.T) {
	h, _, store := newTestHandler(t)
	issueHandlerToken(t, store, "tok-revoke", "user-1", "profile")

	form := url.Values{}
	form.Set("token", "tok-revoke")
	r := httptest.NewRequest(http.MethodPost, "/oauth2/revoke_token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeRevokeToken(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}

	// Revoking again must report the token as gone
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/oauth2/revoke_token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	h.ServeRevokeToken(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid_or_expired_token" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestRoutesRegistersEndpoints(t *testing.T) {
	h, _, _ := newTestHandler(t)

	mux := http.NewServeMux()
	h.Routes(mux)

	r := httptest.NewRequest(http.MethodGet, "/oauth2/tokeninfo?access_token=nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code == http.StatusNotFound {
		t.Error("tokeninfo route not registered")
	}

	r = httptest.NewRequest(http.MethodDelete, "/oauth2/token", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /oauth2/token status = %d", w.Code)
	}
}

func issueHandlerToken(t *testing.T, store *memory.Store, value, userID string, scopes ...string) {
	t.Helper()

	tok := &storage.AccessToken{
		Value:     value,
		ClientID:  "web-app",
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveToken(context.Background(), tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
}
