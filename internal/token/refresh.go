package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	sessionIDSize    = 16
	refreshSecretLen = 32
	refreshTokenSize = sessionIDSize + refreshSecretLen
)

var ErrMalformedRefreshToken = errors.New("malformed refresh token")

// NewSessionID returns 16 random bytes encoded as unpadded base64url
func NewSessionID() (string, error) {
	var sid [sessionIDSize]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sid[:]), nil
}

// RefreshToken is the opaque credential handed to the client and the hash
// that is persisted on the session row.
type RefreshToken struct {
	Value string
	Hash  []byte
}

// NewRefreshToken encodes sessionID || secret. Only the secret's SHA-256 is stored.
func NewRefreshToken(sessionID string) (*RefreshToken, error) {
	sid, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil || len(sid) != sessionIDSize {
		return nil, fmt.Errorf("invalid session id")
	}

	var secret [refreshSecretLen]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate refresh secret: %w", err)
	}

	raw := make([]byte, 0, refreshTokenSize)
	raw = append(raw, sid...)
	raw = append(raw, secret[:]...)

	sum := sha256.Sum256(secret[:])
	return &RefreshToken{
		Value: base64.RawURLEncoding.EncodeToString(raw),
		Hash:  sum[:],
	}, nil
}

// ParseRefreshToken splits a token into its session id and secret hash
func ParseRefreshToken(value string) (sessionID string, hash []byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) != refreshTokenSize {
		return "", nil, ErrMalformedRefreshToken
	}
	sum := sha256.Sum256(raw[sessionIDSize:])
	return base64.RawURLEncoding.EncodeToString(raw[:sessionIDSize]), sum[:], nil
}

// HashesEqual compares refresh hashes in constant time
func HashesEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// NewNumericCode returns a uniformly distributed decimal code from crypto/rand
func NewNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid code length")
	}
	out := make([]byte, length)
	ten := big.NewInt(10)
	for i := range out {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		out[i] = byte('0' + n.Int64())
	}
	return string(out), nil
}
