package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ServiceKeyVerifier checks the shared service key used by the CRUD app and
// operators against a bcrypt hash from configuration.
type ServiceKeyVerifier struct {
	hash  []byte
	cache *KeyCache
}

// NewServiceKeyVerifier creates a verifier for bcryptHash. An empty hash
// disables service key checks.
func NewServiceKeyVerifier(bcryptHash string, cacheTTL time.Duration) *ServiceKeyVerifier {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &ServiceKeyVerifier{hash: []byte(bcryptHash), cache: NewKeyCache(cacheTTL)}
}

// Disabled reports whether no key is configured.
func (v *ServiceKeyVerifier) Disabled() bool {
	return len(v.hash) == 0
}

// Verify returns ErrInvalidAPIKey unless key matches the configured hash.
func (v *ServiceKeyVerifier) Verify(key string) error {
	if v.Disabled() {
		return nil
	}
	if key == "" {
		return ErrInvalidAPIKey
	}
	if v.cache.Valid(key) {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	v.cache.Remember(key)
	return nil
}

// HashKey returns the bcrypt hash to configure for key.
func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
