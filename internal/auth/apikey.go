// Package auth provides API key handling for the portprobe API server:
// key generation, bcrypt hashing for configuration files and validation of
// presented keys against the configured hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "pp"
	// DisplayPrefixLength is the number of random characters shown in a display prefix
	DisplayPrefixLength = 8

	// BcryptCost is the bcrypt cost for hashing API keys
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	// MaxAPIKeyNameLength is the maximum length for API key names
	MaxAPIKeyNameLength = 255
)

// APIKeyInfo contains metadata about an API key
type APIKeyInfo struct {
	Name      string     `json:"name" yaml:"name" validate:"required,max=255"`
	KeyPrefix string     `json:"key_prefix" yaml:"key_prefix"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// GeneratedAPIKey contains a newly generated API key and its metadata
type GeneratedAPIKey struct {
	Key     string     `json:"key"` // only shown once
	Hash    string     `json:"hash"`
	KeyInfo APIKeyInfo `json:"key_info"`
}

// GenerateAPIKey creates a new API key with the specified name and its bcrypt
// hash, ready to be pasted into api.api_key_hashes.
func GenerateAPIKey(name string, ttl time.Duration) (*GeneratedAPIKey, error) {
	if err := validateKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}

	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// base32 avoids ambiguous characters
	randomPart := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(randomBytes))
	randomPart = randomPart[:APIKeyLength]

	fullKey := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)

	hash, err := HashAPIKey(fullKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	info := APIKeyInfo{
		Name:      name,
		KeyPrefix: CreateDisplayPrefix(fullKey),
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		info.ExpiresAt = &expires
	}

	return &GeneratedAPIKey{
		Key:     fullKey,
		Hash:    hash,
		KeyInfo: info,
	}, nil
}

// HashAPIKey creates a bcrypt hash of an API key for secure storage
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(prepareKey(apiKey), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// ValidateAPIKey checks if a provided API key matches the stored hash
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}

	err := bcrypt.CompareHashAndPassword([]byte(storedHash), prepareKey(apiKey))
	return err == nil
}

// prepareKey pre-hashes keys longer than bcrypt accepts.
func prepareKey(apiKey string) []byte {
	keyBytes := []byte(apiKey)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}
	return keyBytes
}

// IsValidHash reports whether s looks like a bcrypt hash.
func IsValidHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IsValidAPIKeyFormat checks if an API key has the correct format
func IsValidAPIKeyFormat(apiKey string) bool {
	if !strings.HasPrefix(apiKey, APIKeyPrefix+"_") {
		return false
	}

	// Example: pp_abcd1234... is 35 characters
	if len(apiKey) < 15 || len(apiKey) > 50 {
		return false
	}

	for _, char := range apiKey {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}

	return true
}

// CreateDisplayPrefix creates a safe-to-display prefix from a full API key
func CreateDisplayPrefix(apiKey string) string {
	if !IsValidAPIKeyFormat(apiKey) {
		return "invalid_key"
	}

	prefix, random, _ := strings.Cut(apiKey, "_")
	if len(random) > DisplayPrefixLength {
		random = random[:DisplayPrefixLength]
	}
	return fmt.Sprintf("%s_%s...", prefix, random)
}

// IsExpired checks if an API key has expired
func (k *APIKeyInfo) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return k.ExpiresAt.Before(time.Now().UTC())
}

// validateKeyName validates the API key name
func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}

	if len(name) > MaxAPIKeyNameLength {
		return fmt.Errorf("key name must be at most %d characters", MaxAPIKeyNameLength)
	}

	for _, char := range name {
		// ASCII and C1 controls
		if char < 32 || char == 127 || (char >= 0x0080 && char <= 0x009F) {
			return fmt.Errorf("key name contains invalid characters")
		}
		// Bidirectional overrides and isolates
		if (char >= 0x202A && char <= 0x202E) || (char >= 0x2066 && char <= 0x2069) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}

	return nil
}
