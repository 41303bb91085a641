// Package static provides an in-memory Authenticator and ResourceProvider
// backed by a fixed user list. Intended for development setups and tests;
// production deployments plug in their own directory-backed providers.
package static

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloverleaf/oauth-provider/providers"
)

// UserRecord is a configured user with a bcrypt password hash.
type UserRecord struct {
	ID           string
	Username     string
	PasswordHash string
	Name         string
	Email        string
}

// Provider implements providers.Authenticator and providers.ResourceProvider
// over a fixed set of users. The "user" resource type serves id, name, and
// email fields.
type Provider struct {
	byUsername map[string]UserRecord
	byID       map[string]UserRecord
}

// New creates a provider from the given user records.
func New(users []UserRecord) (*Provider, error) {
	p := &Provider{
		byUsername: make(map[string]UserRecord, len(users)),
		byID:       make(map[string]UserRecord, len(users)),
	}
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("user records require ID and Username")
		}
		if _, dup := p.byUsername[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username: %s", u.Username)
		}
		p.byUsername[u.Username] = u
		p.byID[u.ID] = u
	}
	return p, nil
}

// HashPassword produces a bcrypt hash for a UserRecord password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Authenticate verifies a username/password pair against the user list.
// Unknown users and wrong passwords return the same error.
func (p *Provider) Authenticate(_ context.Context, username, password string) (*providers.User, error) {
	record, ok := p.byUsername[username]
	if !ok {
		// Burn a bcrypt comparison anyway to keep timing uniform
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, providers.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		return nil, providers.ErrInvalidCredentials
	}

	return &providers.User{
		ID:    record.ID,
		Name:  record.Name,
		Email: record.Email,
	}, nil
}

// ResourceData serves the "user" resource type with id, name, and email
// fields. Other resource types are unknown.
func (p *Provider) ResourceData(_ context.Context, resourceType, resourceID string) (map[string]any, error) {
	if resourceType != "user" {
		return nil, fmt.Errorf("%w: %s", providers.ErrUnknownResource, resourceType)
	}

	record, ok := p.byID[resourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrResourceNotFound, resourceID)
	}

	return map[string]any{
		"id":    record.ID,
		"name":  record.Name,
		"email": record.Email,
	}, nil
}

// Compile-time interface checks
var (
	_ providers.Authenticator    = (*Provider)(nil)
	_ providers.ResourceProvider = (*Provider)(nil)
)
