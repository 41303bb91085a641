// Package bolt provides a bbolt-backed storage implementation.
// Records survive restarts, and the consume-once guarantee for
// authorization codes rides on bbolt's serialized update transactions.
package bolt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloverleaf/oauth-provider/security"
	"github.com/cloverleaf/oauth-provider/storage"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	clientsBucket = []byte("clients")
	tokensBucket  = []byte("tokens")
	refreshBucket = []byte("refresh_index")
	codesBucket   = []byte("codes")
)

// valueKey returns the SHA-256 hex digest of a token or code value.
// Used as the bbolt key so raw credential values never appear as keys
// on disk.
func valueKey(value string) []byte {
	h := sha256.Sum256([]byte(value))
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])
	return dst
}

// Store implements storage.ClientStore, storage.TokenStore, and
// storage.CodeStore on top of a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at the given path. All buckets are
// created up front so later transactions can assume they exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{clientsBucket, tokensBucket, refreshBucket, codesBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== ClientStore ====================

// SaveClient saves a registered client
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client with non-empty ID is required")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Put([]byte(client.ID), data)
	})
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if data == nil {
			return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return json.Unmarshal(data, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
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
	var out []*storage.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(_, data []byte) error {
			var client storage.Client
			if err := json.Unmarshal(data, &client); err != nil {
				return err
			}
			out = append(out, &client)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ==================== TokenStore ====================

// SaveToken saves an issued access token and its refresh index entry
func (s *Store) SaveToken(_ context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("token with non-empty value is required")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := valueKey(token.Value)
		if err := tx.Bucket(tokensBucket).Put(key, data); err != nil {
			return err
		}
		if token.RefreshValue != "" {
			return tx.Bucket(refreshBucket).Put(valueKey(token.RefreshValue), key)
		}
		return nil
	})
}

// GetToken retrieves a token by its access value. Expired tokens are
// deleted in the same transaction.
func (s *Store) GetToken(_ context.Context, value string) (*storage.AccessToken, error) {
	return s.getTokenByKey(valueKey(value))
}

// GetTokenByRefresh retrieves a token by its refresh value
func (s *Store) GetTokenByRefresh(_ context.Context, refreshValue string) (*storage.AccessToken, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		indexed := tx.Bucket(refreshBucket).Get(valueKey(refreshValue))
		if indexed == nil {
			return storage.ErrTokenNotFound
		}
		key = append([]byte(nil), indexed...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.getTokenByKey(key)
}

// getTokenByKey loads a token record, applying lazy expiry inside an
// update transaction so concurrent readers agree on the deletion.
func (s *Store) getTokenByKey(key []byte) (*storage.AccessToken, error) {
	var token storage.AccessToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get(key)
		if data == nil {
			return storage.ErrTokenNotFound
		}
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("unmarshaling token: %w", err)
		}

		if security.IsTokenExpired(token.ExpiresAt) {
			if err := tx.Bucket(tokensBucket).Delete(key); err != nil {
				return err
			}
			if token.RefreshValue != "" {
				if err := tx.Bucket(refreshBucket).Delete(valueKey(token.RefreshValue)); err != nil {
					return err
				}
			}
			return storage.ErrTokenExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DeleteToken removes a token and its refresh index entry
func (s *Store) DeleteToken(_ context.Context, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := valueKey(value)
		data := tx.Bucket(tokensBucket).Get(key)
		if data == nil {
			return storage.ErrTokenNotFound
		}

		var token storage.AccessToken
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("unmarshaling token: %w", err)
		}

		if err := tx.Bucket(tokensBucket).Delete(key); err != nil {
			return err
		}
		if token.RefreshValue != "" {
			return tx.Bucket(refreshBucket).Delete(valueKey(token.RefreshValue))
		}
		return nil
	})
}

// ==================== CodeStore ====================

// SaveCode saves an issued authorization code
func (s *Store) SaveCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code with non-empty value is required")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling authorization code: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket).Put(valueKey(code.Code), data)
	})
}

// GetCode retrieves an authorization code without consuming it
func (s *Store) GetCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	var ac storage.AuthorizationCode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(codesBucket).Get(valueKey(code))
		if data == nil {
			return storage.ErrCodeNotFound
		}
		return json.Unmarshal(data, &ac)
	})
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

// ConsumeCode atomically checks and marks an authorization code as
// consumed. bbolt serializes update transactions, so the read-check-write
// below cannot interleave with a concurrent consume of the same code.
func (s *Store) ConsumeCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	var ac storage.AuthorizationCode
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := valueKey(code)
		bucket := tx.Bucket(codesBucket)

		data := bucket.Get(key)
		if data == nil {
			return storage.ErrCodeNotFound
		}
		if err := json.Unmarshal(data, &ac); err != nil {
			return fmt.Errorf("unmarshaling authorization code: %w", err)
		}

		if security.IsTokenExpired(ac.ExpiresAt) {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			return storage.ErrCodeExpired
		}

		if ac.Consumed {
			return storage.ErrCodeConsumed
		}

		ac.Consumed = true
		updated, err := json.Marshal(&ac)
		if err != nil {
			return fmt.Errorf("marshaling authorization code: %w", err)
		}
		return bucket.Put(key, updated)
	})
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

// DeleteCode removes an authorization code
func (s *Store) DeleteCode(_ context.Context, code string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := valueKey(code)
		if tx.Bucket(codesBucket).Get(key) == nil {
			return storage.ErrCodeNotFound
		}
		return tx.Bucket(codesBucket).Delete(key)
	})
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)
