// Package memory provides an in-memory storage implementation.
// Suitable for development, tests, and single-instance deployments;
// all state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/storage"
)

// Store implements storage.ClientStore, storage.TokenStore, and
// storage.CodeStore with maps guarded by a single mutex.
//
// Expiry is lazy: expired records are dropped when they are next read.
// A background janitor additionally sweeps expired tokens and codes so
// records that are never read again do not accumulate.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	tokens  map[string]*storage.AccessToken // access value -> token
	refresh map[string]string               // refresh value -> access value
	codes   map[string]*storage.AuthorizationCode

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a new in-memory store with a 5 minute cleanup interval.
func New() *Store {
	return NewWithCleanupInterval(5 * time.Minute)
}

// NewWithCleanupInterval creates a new in-memory store with a custom
// cleanup interval. An interval of 0 disables the janitor; expired records
// are then only dropped lazily on read.
func NewWithCleanupInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		tokens:          make(map[string]*storage.AccessToken),
		refresh:         make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// Stop terminates the background cleanup goroutine. Safe to call more
// than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// removeExpired sweeps tokens and codes that are past expiry.
func (s *Store) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for value, token := range s.tokens {
		if security.IsTokenExpired(token.ExpiresAt) {
			delete(s.tokens, value)
			if token.RefreshValue != "" {
				delete(s.refresh, token.RefreshValue)
			}
		}
	}
	for code, ac := range s.codes {
		if security.IsTokenExpired(ac.ExpiresAt) {
			delete(s.codes, code)
		}
	}
}

// ==================== ClientStore ====================

// SaveClient saves a registered client
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client with non-empty ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	cp := *client
	return &cp, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if client.SecretHash == "" {
		return fmt.Errorf("%w: client has no secret", storage.ErrInvalidClientSecret)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	return out, nil
}

// ==================== TokenStore ====================

// SaveToken saves an issued access token
func (s *Store) SaveToken(_ context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("token with non-empty value is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.Value] = &cp
	if token.RefreshValue != "" {
		s.refresh[token.RefreshValue] = token.Value
	}
	return nil
}

// GetToken retrieves a token by its access value. Expired tokens are
// dropped on read.
func (s *Store) GetToken(_ context.Context, value string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getTokenLocked(value)
}

// GetTokenByRefresh retrieves a token by its refresh value
func (s *Store) GetTokenByRefresh(_ context.Context, refreshValue string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.refresh[refreshValue]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return s.getTokenLocked(value)
}

// getTokenLocked looks up a token and applies lazy expiry.
// Must be called with the write lock held.
func (s *Store) getTokenLocked(value string) (*storage.AccessToken, error) {
	token, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	if security.IsTokenExpired(token.ExpiresAt) {
		delete(s.tokens, value)
		if token.RefreshValue != "" {
			delete(s.refresh, token.RefreshValue)
		}
		return nil, storage.ErrTokenExpired
	}

	cp := *token
	return &cp, nil
}

// DeleteToken removes a token and its refresh mapping
func (s *Store) DeleteToken(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok {
		return storage.ErrTokenNotFound
	}

	delete(s.tokens, value)
	if token.RefreshValue != "" {
		delete(s.refresh, token.RefreshValue)
	}
	return nil
}

// ==================== CodeStore ====================

// SaveCode saves an issued authorization code
func (s *Store) SaveCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code with non-empty value is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// GetCode retrieves an authorization code without consuming it
func (s *Store) GetCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	cp := *ac
	return &cp, nil
}

// ConsumeCode atomically checks and marks an authorization code as
// consumed. The check and the mark happen under a single write lock, so
// of two concurrent calls exactly one succeeds.
func (s *Store) ConsumeCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if security.IsTokenExpired(ac.ExpiresAt) {
		delete(s.codes, code)
		return nil, storage.ErrCodeExpired
	}

	if ac.Consumed {
		return nil, storage.ErrCodeConsumed
	}

	ac.Consumed = true
	cp := *ac
	return &cp, nil
}

// DeleteCode removes an authorization code
func (s *Store) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		return storage.ErrCodeNotFound
	}
	delete(s.codes, code)
	return nil
}

// Counts returns the number of live clients, tokens, and codes.
// Used for storage size metrics.
func (s *Store) Counts() (clients, tokens, codes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.clients)), int64(len(s.tokens)), int64(len(s.codes))
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)
