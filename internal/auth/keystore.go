package auth

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// KeyStore validates presented API keys against a fixed set of bcrypt hashes.
// Keys that matched once are remembered by their SHA-256 digest so repeat
// requests skip bcrypt.
type KeyStore struct {
	hashes []string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewKeyStore builds a KeyStore. Every entry must be a bcrypt hash.
func NewKeyStore(hashes []string) (*KeyStore, error) {
	for i, h := range hashes {
		if !IsValidHash(h) {
			return nil, fmt.Errorf("api key hash %d is not a bcrypt hash", i)
		}
	}
	return &KeyStore{
		hashes:   append([]string(nil), hashes...),
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Len returns the number of configured hashes.
func (s *KeyStore) Len() int {
	return len(s.hashes)
}

// Validate reports whether apiKey matches any configured hash.
func (s *KeyStore) Validate(apiKey string) bool {
	if apiKey == "" {
		return false
	}

	digest := sha256.Sum256([]byte(apiKey))
	s.mu.RLock()
	_, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range s.hashes {
		if ValidateAPIKey(apiKey, h) {
			s.mu.Lock()
			s.verified[digest] = struct{}{}
			s.mu.Unlock()
			return true
		}
	}
	return false
}
