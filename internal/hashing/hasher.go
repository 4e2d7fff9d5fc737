package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"otp-auth-service/internal/config"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
	ErrPepperMissing = errors.New("pepper is not configured")
)

const (
	otpContext = "otp"
	algorithm  = "argon2id-v1"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher hashes verification codes with argon2id, a per-code salt and a
// versioned server-side pepper. Old peppers stay verifiable after rotation.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]string
	mu      sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// NewHasher reads argon2 cost and peppers from config. Previous peppers are
// given as "version:value" entries.
func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	current := Pepper{Value: cfg.Hashing.Pepper, Version: cfg.Hashing.PepperVersion}
	h, err := NewHasherWithParams(params, current)
	if err != nil {
		return nil, err
	}

	for _, entry := range cfg.Hashing.PreviousPeppers {
		version, value, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("malformed previous pepper entry")
		}
		v, err := strconv.Atoi(version)
		if err != nil {
			return nil, fmt.Errorf("malformed previous pepper version: %w", err)
		}
		h.AddPepper(Pepper{Value: value, Version: v})
	}

	return h, nil
}

func NewHasherWithParams(params Argon2Params, current Pepper) (*Hasher, error) {
	if current.Value == "" {
		return nil, ErrPepperMissing
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}
	return &Hasher{
		params:  params,
		current: current,
		peppers: map[int]string{current.Version: current.Value},
	}, nil
}

// AddPepper registers a retired pepper so codes hashed with it still verify
func (h *Hasher) AddPepper(p Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.peppers[p.Version]; !exists {
		h.peppers[p.Version] = p.Value
	}
}

// Rotate makes p the current pepper; the previous one remains verifiable
func (h *Hasher) Rotate(p Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = p
	h.peppers[p.Version] = p.Value
}

func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.current
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := h.derive(code, pepper.Value, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(key),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
	}, nil
}

// VerifyOTP compares in constant time
func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	h.mu.RLock()
	pepper, ok := h.peppers[stored.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, pepper, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code, pepper string, salt []byte, keyLen uint32) []byte {
	// the context suffix keeps OTP hashes from being replayed as other secrets
	material := code + pepper + otpContext
	return argon2.IDKey([]byte(material), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLen)
}

func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.Version
}
