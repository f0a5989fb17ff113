// Package ownership implements the Ownership, Privacy & Encryption model
// (C10): HD-wallet-backed creator identity, per-record GUN payload
// encryption, and the read/delete authorization rules spec §4.10 and §4.8
// describe.
//
// The HD key machinery is grounded on the teacher's security package (the
// same single-purpose-service-per-concern shape as security/jwt.go and
// security/bcrypt.go) but reaches for go-bip39/go-hdwallet, since nothing in
// the example pack carries a BIP-32/39 implementation and spec §4.10 is
// explicit that registration keys are "HD key (mnemonic -> BIP-32
// derivation)".
package ownership

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"github.com/tyler-smith/go-hdwallet"
	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidMnemonic is returned when a user-supplied mnemonic fails the
// BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("ownership: invalid mnemonic")

// HDWallet wraps the mnemonic-derived master key a registered user signs
// and encrypts with. Keys never leave the node in plaintext (spec §4.10);
// callers are responsible for encrypting Mnemonic at rest before persisting
// it (see internal/secretstore).
type HDWallet struct {
	Mnemonic string
	Seed     []byte
}

// NewHDWallet generates a fresh 12-word BIP-39 mnemonic and its seed.
func NewHDWallet() (*HDWallet, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("ownership: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("ownership: generate mnemonic: %w", err)
	}
	return WalletFromMnemonic(mnemonic)
}

// WalletFromMnemonic rebuilds an HDWallet from a previously issued mnemonic,
// the path taken on every login after registration (mnemonic export
// requires re-authentication with password, per spec §4.10 — that gate lives
// in the HTTP/auth layer, not here).
func WalletFromMnemonic(mnemonic string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	return &HDWallet{Mnemonic: mnemonic, Seed: seed}, nil
}

// MasterXpub returns the wallet's master extended public key, the value
// registered as a legacy creator's signing key or as the base xpub a v0.9
// verification method's derivation_prefix is applied against.
func (w *HDWallet) MasterXpub() (string, error) {
	master := hdwallet.MasterKey(w.Seed)
	return master.Xpub(), nil
}

// DeriveXpub walks path (e.g. "m/44'/0'/0'") from the wallet's master key and
// returns the resulting extended public key, for registering a new
// verification method's Xpub field (spec §3.1, entity "Creator / DID
// Document").
func (w *HDWallet) DeriveXpub(path string) (string, error) {
	master := hdwallet.MasterKey(w.Seed)
	key, err := master.ParsePath(path)
	if err != nil {
		return "", fmt.Errorf("ownership: derive path %q: %w", path, err)
	}
	return key.Xpub(), nil
}

// GunSalt is a per-user random value, itself encrypted at rest with the
// user's password (spec §4.10 "a random GUN encryption salt is stored
// encrypted with the same password"), used as one input to the per-record
// GUN encryption key derivation.
type GunSalt [32]byte

// NewGunSalt generates a fresh random salt for a newly registered user.
func NewGunSalt() (GunSalt, error) {
	var s GunSalt
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return s, fmt.Errorf("ownership: generate gun salt: %w", err)
	}
	return s, nil
}

// pbkdf2Iterations follows the teacher's bcrypt cost-factor philosophy
// (security/bcrypt.go: a named, documented constant rather than a magic
// number) applied to PBKDF2's iteration count.
const pbkdf2Iterations = 210000

// DeriveRecordKey derives the AES-256-GCM key for one GUN record payload
// from (userPublicKey, gunSalt) via PBKDF2 (spec §4.10 "per-record
// encryption key is derived from (user_public_key, gun_salt) via PBKDF2").
func DeriveRecordKey(userPublicKey string, salt GunSalt) []byte {
	return pbkdf2.Key([]byte(userPublicKey), salt[:], pbkdf2Iterations, 32, sha256.New)
}

// EncryptPayload seals plaintext with AES-256-GCM under key, returning the
// ciphertext, a fresh random nonce, and (embedded in the GCM seal) the
// authentication tag — matching the GUN wire shape of spec §6:
// {encrypted, iv, authTag} with each field base64 on the wire (base64 is
// applied by the caller serializing this into the GUN node body).
func EncryptPayload(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("ownership: build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("ownership: build GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("ownership: generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptPayload is the inverse of EncryptPayload. Go's crypto/cipher GCM
// seal embeds the auth tag in the ciphertext, so Open fails (rather than
// silently accepting) on a tampered payload.
func DecryptPayload(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ownership: build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ownership: build GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("ownership: decrypt payload: %w", err)
	}
	return plaintext, nil
}
