package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

const apiKeySecretLen = 32

// APIKeyStore creates and checks API keys.
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, name string, role Role, ttl time.Duration) (string, *APIKeyInfo, error)
	RevokeKey(ctx context.Context, keyID string) error
}

// APIKeyInfo is the stored metadata of a key. The key itself is never kept.
type APIKeyInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash,omitempty"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 = never
}

// StoreAPIKeys keeps keys in a backend.Store under the apikey namespace:
// "apikey:<sha256>" holds the info and "apikey:id:<id>" maps ids to hashes.
type StoreAPIKeys struct {
	store backend.Store
	now   func() time.Time
}

func NewAPIKeyStore(store backend.Store) *StoreAPIKeys {
	return &StoreAPIKeys{store: store, now: time.Now}
}

func (s *StoreAPIKeys) hashKey(hash string) (string, error) {
	h, err := backend.NewHandle(s.store, backend.NamespaceAPIKey, hash)
	if err != nil {
		return "", err
	}
	return h.Key(), nil
}

func (s *StoreAPIKeys) idKey(id string) (string, error) {
	h, err := backend.NewHandle(s.store, backend.NamespaceAPIKey, "id:"+id)
	if err != nil {
		return "", err
	}
	return h.Key(), nil
}

func (s *StoreAPIKeys) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrInvalidToken
	}
	k, err := s.hashKey(hashKey(key))
	if err != nil {
		return nil, err
	}
	data, found, err := s.store.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInvalidToken
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: api key %s: %v", backend.ErrCorruptRecord, k, err)
	}
	if info.ExpiresAt > 0 && info.ExpiresAt <= s.now().Unix() {
		return nil, ErrExpiredToken
	}
	return &info, nil
}

// CreateKey stores a new key and returns its plaintext, which is shown only
// once. A ttl of zero creates a key that never expires.
func (s *StoreAPIKeys) CreateKey(ctx context.Context, name string, role Role, ttl time.Duration) (string, *APIKeyInfo, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", nil, err
	}
	if ttl < 0 {
		return "", nil, fmt.Errorf("%w: negative key ttl %s", backend.ErrInvalidArgument, ttl)
	}

	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	plainKey := "dk_" + hex.EncodeToString(secret)

	now := s.now()
	info := APIKeyInfo{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hashKey(plainKey),
		Role:      role,
		CreatedAt: now.Unix(),
	}
	if ttl > 0 {
		info.ExpiresAt = now.Add(ttl).Unix()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal key info: %w", err)
	}
	hk, err := s.hashKey(info.KeyHash)
	if err != nil {
		return "", nil, err
	}
	ik, err := s.idKey(info.ID)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.Set(ctx, hk, data); err != nil {
		return "", nil, err
	}
	if err := s.store.Set(ctx, ik, []byte(info.KeyHash)); err != nil {
		return "", nil, err
	}

	info.KeyHash = ""
	return plainKey, &info, nil
}

// RevokeKey deletes a key by id. Unknown ids give ErrInvalidToken.
func (s *StoreAPIKeys) RevokeKey(ctx context.Context, keyID string) error {
	ik, err := s.idKey(keyID)
	if err != nil {
		return err
	}
	hash, found, err := s.store.Get(ctx, ik)
	if err != nil {
		return err
	}
	if !found {
		return ErrInvalidToken
	}
	hk, err := s.hashKey(string(hash))
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, hk); err != nil {
		return err
	}
	return s.store.Delete(ctx, ik)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
