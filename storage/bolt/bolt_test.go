package bolt

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloverleaf/oauth-provider/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	client := &storage.Client{
		ID:           "web-app",
		SecretHash:   string(hash),
		Confidential: true,
		RedirectURIs: []string{"https://app.example.com/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"profile", "email"},
		Name:         "Web App",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.True(t, got.Confidential)

	_, err = s.GetClient(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	assert.NoError(t, s.ValidateClientSecret(ctx, "web-app", "s3cret"))
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, "web-app", "wrong"), storage.ErrInvalidClientSecret)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTokenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oauth.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveToken(ctx, &storage.AccessToken{
		Value:        "access-1",
		RefreshValue: "refresh-1",
		ClientID:     "c1",
		UserID:       "u1",
		Scopes:       []string{"profile"},
		IssuedAt:     time.Now().UTC(),
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetToken(ctx, "access-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	byRefresh, err := s.GetTokenByRefresh(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", byRefresh.Value)
}

func TestDeleteTokenRemovesRefreshIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.AccessToken{
		Value: "access-1", RefreshValue: "refresh-1", ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.DeleteToken(ctx, "access-1"))

	_, err := s.GetToken(ctx, "access-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetTokenByRefresh(ctx, "refresh-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	assert.ErrorIs(t, s.DeleteToken(ctx, "access-1"), storage.ErrTokenNotFound)
}

func TestExpiredTokenDeletedOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.AccessToken{
		Value: "stale", RefreshValue: "stale-r", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := s.GetToken(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	_, err = s.GetToken(ctx, "stale")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestConsumeCodeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, &storage.AuthorizationCode{
		Code: "code-1", ClientID: "c1", UserID: "u1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	ac, err := s.ConsumeCode(ctx, "code-1")
	require.NoError(t, err)
	assert.True(t, ac.Consumed)

	_, err = s.ConsumeCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrCodeConsumed)
}

func TestConsumeCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, &storage.AuthorizationCode{
		Code: "code-race", ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	const workers = 8
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeCode(ctx, "code-race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent consume should succeed")
}

func TestConsumeMissingAndExpiredCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ConsumeCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	require.NoError(t, s.SaveCode(ctx, &storage.AuthorizationCode{
		Code: "old", ExpiresAt: time.Now().Add(-time.Minute),
	}))
	_, err = s.ConsumeCode(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrCodeExpired)
}
