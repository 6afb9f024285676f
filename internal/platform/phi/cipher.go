package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hengadev/errsx"
	"golang.org/x/crypto/hkdf"
)

// Version tag format: "v{version}:" prepended to every stored ciphertext.
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

const (
	encryptionKeyInfo = "caredesk/field-encryption/v%d"
	searchHashKeyInfo = "caredesk/search-hash"
)

// FieldCipher is the surface repositories depend on for PHI columns: encrypt
// on write, decrypt on read, and a deterministic keyed hash for exact-match
// lookups against hash companion columns.
type FieldCipher interface {
	EncryptField(plaintext string) (string, error)
	DecryptField(stored string) (string, error)
	SearchHash(value string) string
}

// DecryptionError reports a ciphertext that could not be decrypted. An
// unknown key version and an integrity failure produce the same external
// message so callers cannot tell them apart; the cause stays reachable
// through Unwrap for logging.
type DecryptionError struct {
	Version int
	cause   error
}

func (e *DecryptionError) Error() string { return "phi: decryption failed" }

func (e *DecryptionError) Unwrap() error { return e.cause }

// Cipher provides versioned AES-256-GCM field encryption. All key material is
// derived from a single 32-byte master key with HKDF-SHA256: one encryption
// subkey per version (the version number is part of the HKDF info string) and
// one search-hash subkey with no version component, so stored hash columns
// stay queryable across encryption key rotations.
type Cipher struct {
	mu         sync.RWMutex
	currentVer int
	aeads      map[int]cipher.AEAD
	hashKey    []byte
}

var _ FieldCipher = (*Cipher)(nil)

// NewCipher creates a Cipher whose current key version is currentVersion.
// Subkeys for every version from 1 through currentVersion are derived so that
// data written under earlier versions remains decryptable.
func NewCipher(masterKey []byte, currentVersion int) (*Cipher, error) {
	var errs errsx.Map
	if len(masterKey) != 32 {
		errs.Set("master_key", fmt.Errorf("must be 32 bytes, got %d", len(masterKey)))
	}
	if currentVersion < 1 {
		errs.Set("key_version", fmt.Errorf("must be >= 1, got %d", currentVersion))
	}
	if err := errs.AsError(); err != nil {
		return nil, fmt.Errorf("phi cipher: %w", err)
	}

	c := &Cipher{
		currentVer: currentVersion,
		aeads:      make(map[int]cipher.AEAD, currentVersion),
	}

	for v := 1; v <= currentVersion; v++ {
		aead, err := deriveAEAD(masterKey, v)
		if err != nil {
			return nil, err
		}
		c.aeads[v] = aead
	}

	hashKey, err := deriveKey(masterKey, searchHashKeyInfo)
	if err != nil {
		return nil, err
	}
	c.hashKey = hashKey

	return c, nil
}

// NewCipherFromHex creates a Cipher from a 64-character hex master key, the
// form the key takes in configuration.
func NewCipherFromHex(masterKeyHex string, currentVersion int) (*Cipher, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: decode master key: %w", err)
	}
	return NewCipher(key, currentVersion)
}

func deriveKey(masterKey []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("phi cipher: derive key: %w", err)
	}
	return key, nil
}

func deriveAEAD(masterKey []byte, version int) (cipher.AEAD, error) {
	key, err := deriveKey(masterKey, fmt.Sprintf(encryptionKeyInfo, version))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: create cipher v%d: %w", version, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi cipher: create GCM v%d: %w", version, err)
	}
	return aead, nil
}

// EncryptField encrypts a plaintext field value with the current key version.
// The result is "v{N}:" followed by base64(nonce + ciphertext). Each call
// draws a fresh random nonce, so encrypting the same value twice yields
// different outputs. The empty string passes through unchanged so that
// optional columns stay NULL-equivalent.
func (c *Cipher) EncryptField(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	c.mu.RLock()
	ver := c.currentVer
	aead := c.aeads[ver]
	c.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(sealed)

	return fmt.Sprintf("%s%d%s%s", keyVersionPrefix, ver, keyVersionSeparator, encoded), nil
}

// DecryptField decrypts a stored field value. The version tag is mandatory:
// values without a recognizable "v{N}:" prefix, with an unknown version, or
// failing the GCM integrity check all return a DecryptionError. The empty
// string passes through unchanged.
func (c *Cipher) DecryptField(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}

	version, encoded, err := parseVersionTag(stored)
	if err != nil {
		return "", &DecryptionError{cause: err}
	}

	c.mu.RLock()
	aead, ok := c.aeads[version]
	c.mu.RUnlock()
	if !ok {
		return "", &DecryptionError{Version: version, cause: fmt.Errorf("no key for version %d", version)}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Version: version, cause: fmt.Errorf("base64 decode: %w", err)}
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return "", &DecryptionError{Version: version, cause: fmt.Errorf("ciphertext too short")}
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &DecryptionError{Version: version, cause: err}
	}

	return string(plaintext), nil
}

// SearchHash returns a deterministic keyed hash of the value for exact-match
// lookup: hex(HMAC-SHA256(hashKey, normalized value)). Normalization folds
// case and trims surrounding whitespace, so "  Ana@Example.COM " and
// "ana@example.com" hash identically. The hash key does not rotate with
// encryption versions. The empty string hashes to the empty string.
func (c *Cipher) SearchHash(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ""
	}

	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// RotateTo derives the subkey for newVersion and makes it current. Earlier
// versions stay available for decryption. newVersion must exceed the current
// version.
func (c *Cipher) RotateTo(masterKey []byte, newVersion int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newVersion <= c.currentVer {
		return fmt.Errorf("phi cipher: rotate to v%d: current version is v%d", newVersion, c.currentVer)
	}

	for v := c.currentVer + 1; v <= newVersion; v++ {
		aead, err := deriveAEAD(masterKey, v)
		if err != nil {
			return err
		}
		c.aeads[v] = aead
	}
	c.currentVer = newVersion
	return nil
}

// NeedsReEncryption reports whether a stored value was written under an
// earlier key version than the current one.
func (c *Cipher) NeedsReEncryption(stored string) bool {
	if stored == "" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	version, _, err := parseVersionTag(stored)
	if err != nil {
		return true
	}
	return version != c.currentVer
}

// ReEncrypt decrypts a stored value and re-encrypts it under the current key
// version.
func (c *Cipher) ReEncrypt(stored string) (string, error) {
	plaintext, err := c.DecryptField(stored)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return c.EncryptField(plaintext)
}

// CurrentVersion returns the key version new ciphertexts are written under.
func (c *Cipher) CurrentVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentVer
}

func parseVersionTag(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("no version separator")
	}

	versionStr := s[len(keyVersionPrefix):idx]
	var version int
	if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("invalid version: %w", err)
	}
	if version < 1 {
		return 0, "", fmt.Errorf("invalid version %d", version)
	}

	return version, s[idx+1:], nil
}
