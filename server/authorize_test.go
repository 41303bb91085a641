package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cloverleaf/oauth-provider/storage"
)

func validAuthRequest() *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:     "web-app",
		ResponseType: "code",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "profile email",
		State:        "xyz123",
		ClientIP:     "203.0.113.7",
	}
}

func TestValidateAuthorizationUnknownClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := validAuthRequest()
	req.ClientID = "nobody"

	_, err := srv.ValidateAuthorization(context.Background(), req)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if fatal.Code != ErrorCodeInvalidClient {
		t.Errorf("code = %q, want %q", fatal.Code, ErrorCodeInvalidClient)
	}
}

func TestValidateAuthorizationUnregisteredRedirectURI(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	for _, uri := range []string{"", "https://evil.example.com/callback", "https://app.example.com/callback/extra"} {
		req := validAuthRequest()
		req.RedirectURI = uri

		_, err := srv.ValidateAuthorization(context.Background(), req)
		var fatal *FatalError
		if !errors.As(err, &fatal) {
			t.Fatalf("redirect_uri %q: expected FatalError, got %v", uri, err)
		}
	}
}

func TestValidateAuthorizationUnsupportedResponseType(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	req := validAuthRequest()
	req.ResponseType = "token"

	_, err := srv.ValidateAuthorization(context.Background(), req)
	var redir *RedirectError
	if !errors.As(err, &redir) {
		t.Fatalf("expected RedirectError, got %v", err)
	}
	if redir.Code != ErrorCodeUnsupportedResponseType {
		t.Errorf("code = %q, want %q", redir.Code, ErrorCodeUnsupportedResponseType)
	}

	u, perr := url.Parse(redir.URL())
	if perr != nil {
		t.Fatalf("URL(): %v", perr)
	}
	if got := u.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error param = %q", got)
	}
	if got := u.Query().Get("state"); got != "xyz123" {
		t.Errorf("state param = %q", got)
	}
}

func TestValidateAuthorizationScopeIntersection(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	// "projects" is in the catalog but not allowed to this client;
	// "bogus" is not in the catalog at all.
	req := validAuthRequest()
	req.Scope = "profile projects bogus"

	pending, err := srv.ValidateAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}
	if len(pending.Scopes) != 1 || pending.Scopes[0] != "profile" {
		t.Errorf("Scopes = %v, want [profile]", pending.Scopes)
	}
}

func TestValidateAuthorizationEmptyScopeDefaultsToClientScopes(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	req := validAuthRequest()
	req.Scope = ""

	pending, err := srv.ValidateAuthorization(context.Background(), req)
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}
	if len(pending.Scopes) != 2 {
		t.Errorf("Scopes = %v, want the client's full set", pending.Scopes)
	}
}

func TestValidateAuthorizationEmptyIntersection(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	req := validAuthRequest()
	req.Scope = "projects"

	_, err := srv.ValidateAuthorization(context.Background(), req)
	var redir *RedirectError
	if !errors.As(err, &redir) {
		t.Fatalf("expected RedirectError, got %v", err)
	}
	if redir.Code != ErrorCodeInvalidScope {
		t.Errorf("code = %q, want %q", redir.Code, ErrorCodeInvalidScope)
	}
}

func TestSealOpenPendingRoundTrip(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	pending, err := srv.ValidateAuthorization(context.Background(), validAuthRequest())
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}

	sealed, err := srv.SealPending(pending)
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}
	if strings.Contains(sealed, pending.ClientID) {
		t.Error("sealed token leaks plaintext fields")
	}

	opened, err := srv.OpenPending(sealed)
	if err != nil {
		t.Fatalf("OpenPending: %v", err)
	}
	if opened.ClientID != pending.ClientID || opened.State != pending.State {
		t.Errorf("round trip mismatch: %+v vs %+v", opened, pending)
	}
}

func TestOpenPendingRejectsTampering(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))

	pending, err := srv.ValidateAuthorization(context.Background(), validAuthRequest())
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}
	sealed, err := srv.SealPending(pending)
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}

	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}

	_, err = srv.OpenPending(tampered)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError for tampered token, got %v", err)
	}

	if _, err := srv.OpenPending("not-a-token"); err == nil {
		t.Error("expected error for garbage token")
	}
}

func TestOpenPendingRejectsExpired(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	pending := &storage.PendingAuthorization{
		ClientID:    "web-app",
		RedirectURI: "https://app.example.com/callback",
		CreatedAt:   time.Now().Add(-20 * time.Minute),
		ExpiresAt:   time.Now().Add(-10 * time.Minute),
	}
	sealed, err := srv.SealPending(pending)
	if err != nil {
		t.Fatalf("SealPending: %v", err)
	}

	_, err = srv.OpenPending(sealed)
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError for expired token, got %v", err)
	}
}

func TestApproveAuthorization(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedClient(t, store, confidentialClient(t))
	ctx := context.Background()

	pending, err := srv.ValidateAuthorization(ctx, validAuthRequest())
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}

	redirect, err := srv.ApproveAuthorization(ctx, pending, "user-1", "203.0.113.7")
	if err != nil {
		t.Fatalf("ApproveAuthorization: %v", err)
	}

	u, perr := url.Parse(redirect)
	if perr != nil {
		t.Fatalf("redirect URL: %v", perr)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatal("redirect URL has no code")
	}
	if got := u.Query().Get("state"); got != "xyz123" {
		t.Errorf("state = %q", got)
	}

	stored, err := store.GetCode(ctx, code)
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}
	if stored.UserID != "user-1" || stored.ClientID != "web-app" {
		t.Errorf("stored code = %+v", stored)
	}
	if !stored.ExpiresAt.After(stored.CreatedAt) {
		t.Error("code ExpiresAt must be after CreatedAt")
	}
}

func TestApproveAuthorizationRequiresUser(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	pending := &storage.PendingAuthorization{
		ClientID:    "web-app",
		RedirectURI: "https://app.example.com/callback",
	}
	if _, err := srv.ApproveAuthorization(context.Background(), pending, "", ""); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestDenyAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	pending := &storage.PendingAuthorization{
		ClientID:    "web-app",
		RedirectURI: "https://app.example.com/callback",
	}
	if got := srv.DenyAuthorization(pending, "203.0.113.7"); got != pending.RedirectURI {
		t.Errorf("DenyAuthorization = %q, want %q", got, pending.RedirectURI)
	}
}
