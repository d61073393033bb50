package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// DummyVerify burns one Argon2id hash with the real cost parameters, so a
// failed lookup takes as long as a failed comparison.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expectedHash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// KeySet holds hashed secrets (API keys, usage-limit bypass keys) so the
// plaintext does not stay in process memory after startup.
type KeySet struct {
	hashes []string
}

// NewKeySet hashes keys. Blank entries are ignored.
func NewKeySet(keys []string) (*KeySet, error) {
	ks := &KeySet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		h, err := HashAPIKey(k)
		if err != nil {
			return nil, err
		}
		ks.hashes = append(ks.hashes, h)
	}
	return ks, nil
}

// Len returns the number of keys in the set.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.hashes)
}

// Contains reports whether key matches any key in the set. An empty
// candidate still costs one hash.
func (ks *KeySet) Contains(key string) bool {
	if ks.Len() == 0 {
		return false
	}
	if key == "" {
		DummyVerify()
		return false
	}
	for _, h := range ks.hashes {
		if ok, err := VerifyAPIKey(key, h); err == nil && ok {
			return true
		}
	}
	return false
}
