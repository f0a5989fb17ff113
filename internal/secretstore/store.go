// Package secretstore implements the local encrypted-secrets store
// SPEC_FULL.md §12.4 carves out of spec.md §6's "one index for records, one
// for templates, one for users" durable-state inventory: HD wallet
// mnemonics and per-user GUN encryption salts (spec §4.10) are secrets, not
// search-indexed content, so they never touch the Elasticsearch users
// index. It is grounded on the teacher's db/postgres.go (gorm.Open +
// AutoMigrate + simple CRUD over one table) generalized from RabbitMQ
// message logs to one row per registered creator.
package secretstore

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/oipwg/oipd/internal/ownership"
)

// ErrNotFound is returned when no secret row exists for a public key.
var ErrNotFound = errors.New("secretstore: no secret for public key")

// Secret is the one row persisted per registered creator. Mnemonic and Salt
// are stored pre-encrypted by the caller (password-derived AES-256-GCM, the
// same construction ownership.EncryptPayload uses for record payloads) —
// this package never sees a plaintext mnemonic.
type Secret struct {
	gorm.Model
	PublicKey          string `gorm:"uniqueIndex"`
	EncryptedMnemonic  string
	MnemonicNonce      string
	EncryptedGunSalt   string
	GunSaltNonce       string
	EmailDomain        string
}

// Store is the durable half of the secrets boundary.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and ensures the secrets table exists.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("secretstore: open: %w", err)
	}
	if err := db.AutoMigrate(&Secret{}); err != nil {
		return nil, fmt.Errorf("secretstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts the encrypted secret bundle for publicKey, keyed by the
// creator's public key rather than a local user id — the same key the
// rest of the core uses to address a creator (spec §3.1 "Creator / DID
// Document").
func (s *Store) Save(secret Secret) error {
	secret.PublicKey = secret.PublicKey
	res := s.db.Where(Secret{PublicKey: secret.PublicKey}).
		Assign(secret).
		FirstOrCreate(&Secret{})
	if res.Error != nil {
		return fmt.Errorf("secretstore: save %s: %w", secret.PublicKey, res.Error)
	}
	return nil
}

// Get returns the encrypted secret bundle for publicKey.
func (s *Store) Get(publicKey string) (Secret, error) {
	var out Secret
	res := s.db.Where("public_key = ?", publicKey).First(&out)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return Secret{}, ErrNotFound
	}
	if res.Error != nil {
		return Secret{}, fmt.Errorf("secretstore: get %s: %w", publicKey, res.Error)
	}
	return out, nil
}

// EmailDomainLookup resolves the registered email domain for a creator's
// public key, satisfying deletion.EmailDomainLookup for the admin-domain
// override gate (spec §4.8 step 2, SPEC_FULL.md §12.5).
func (s *Store) EmailDomainLookup(publicKey string) (string, bool) {
	secret, err := s.Get(publicKey)
	if err != nil || secret.EmailDomain == "" {
		return "", false
	}
	return secret.EmailDomain, true
}

// DecryptedSaltCache holds GUN salts decrypted during an active session
// (the user authenticated with their password at least once this process
// lifetime). It is deliberately process-local and non-durable, matching
// the cache discipline spec §3.3 applies to every other in-memory cache in
// the core — the durable ciphertext lives in Store, never the plaintext
// salt.
type DecryptedSaltCache struct {
	mu    sync.RWMutex
	salts map[string]ownership.GunSalt
}

// NewDecryptedSaltCache builds an empty cache.
func NewDecryptedSaltCache() *DecryptedSaltCache {
	return &DecryptedSaltCache{salts: make(map[string]ownership.GunSalt)}
}

// Put caches publicKey's decrypted salt, typically right after a
// password-gated unlock (registration, login, or mnemonic re-auth).
func (c *DecryptedSaltCache) Put(publicKey string, salt ownership.GunSalt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salts[publicKey] = salt
}

// Lookup implements gunsync.SaltLookup: returns the cached salt for
// publicKey, if this process has decrypted it since startup.
func (c *DecryptedSaltCache) Lookup(publicKey string) (ownership.GunSalt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	salt, ok := c.salts[publicKey]
	return salt, ok
}

// Forget drops a cached salt, e.g. on logout or credential rotation.
func (c *DecryptedSaltCache) Forget(publicKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.salts, publicKey)
}
