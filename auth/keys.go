package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownSource = errors.New("auth: unknown capture source")
	ErrInvalidKey    = errors.New("auth: invalid source key")
)

// SourceKeys checks the API key presented by a capture source against its
// bcrypt hash.
type SourceKeys struct {
	hashes map[string][]byte
}

// NewSourceKeys takes source name to bcrypt hash. An empty map disables the
// check.
func NewSourceKeys(hashes map[string]string) *SourceKeys {
	k := &SourceKeys{hashes: make(map[string][]byte, len(hashes))}
	for source, hash := range hashes {
		k.hashes[strings.ToLower(strings.TrimSpace(source))] = []byte(hash)
	}
	return k
}

func (k *SourceKeys) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

func (k *SourceKeys) Verify(source, key string) error {
	if !k.Enabled() {
		return nil
	}
	hash, ok := k.hashes[strings.ToLower(source)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// HashKey produces the value to place in CAPTURE_KEYS for a new source.
func HashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("auth: source key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}
	return string(hash), nil
}
