package hashing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash    = errors.New("invalid hash format")
	ErrPepperNotFound = errors.New("pepper version not found")
	ErrInvalidPepper  = errors.New("invalid pepper configuration")
	ErrStaticPeppers  = errors.New("peppers are configured statically")
)

const (
	verificationContext = "dsr_verification"
	keepPreviousPepper  = 2
	minPepperLength     = 16
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher hashes short secrets (verification codes) with argon2id plus a
// pepper. Configured peppers are shared by every instance and survive
// restarts; the highest version hashes and all others verify. Without
// configuration the pepper is generated in memory and rotated, and hashes
// made under the last two retired peppers still verify.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	rotateEvery   time.Duration
	static        bool
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		rotateEvery: time.Duration(cfg.PepperRotationDays) * 24 * time.Hour,
	}
	if len(cfg.Peppers) > 0 {
		peppers, err := ParsePeppers(cfg.Peppers)
		if err != nil {
			return nil, err
		}
		h.static = true
		h.currentPepper = peppers[len(peppers)-1]
		h.oldPeppers = peppers[:len(peppers)-1]
		util.Info("Loaded configured peppers",
			zap.Int("current_version", h.currentPepper.Version),
			zap.Int("count", len(peppers)),
		)
		return h, nil
	}
	if err := h.RotatePepper(); err != nil {
		return nil, err
	}
	return h, nil
}

// ParsePeppers reads "version:secret" entries and returns them ordered by
// version.
func ParsePeppers(entries []string) ([]*Pepper, error) {
	seen := make(map[int]bool, len(entries))
	peppers := make([]*Pepper, 0, len(entries))
	for i, entry := range entries {
		rawVersion, secret, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("%w: entry %d is not version:secret", ErrInvalidPepper, i)
		}
		version, err := strconv.Atoi(rawVersion)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: entry %d has bad version %q", ErrInvalidPepper, i, rawVersion)
		}
		if len(secret) < minPepperLength {
			return nil, fmt.Errorf("%w: pepper v%d shorter than %d characters", ErrInvalidPepper, version, minPepperLength)
		}
		if seen[version] {
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidPepper, version)
		}
		seen[version] = true
		peppers = append(peppers, &Pepper{Value: secret, Version: version})
	}
	sort.Slice(peppers, func(i, j int) bool { return peppers[i].Version < peppers[j].Version })
	return peppers, nil
}

// Static reports whether peppers come from configuration.
func (h *Hasher) Static() bool {
	return h.static
}

// RotatePepper retires the current pepper and generates a new one. Configured
// peppers are rotated by adding a higher version to the configuration.
func (h *Hasher) RotatePepper() error {
	if h.static {
		return ErrStaticPeppers
	}
	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		return fmt.Errorf("failed to generate pepper: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		version = h.currentPepper.Version + 1
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
		if len(h.oldPeppers) > keepPreviousPepper {
			h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-keepPreviousPepper:]
		}
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now(),
		Version:   version,
	}

	util.Info("Pepper rotated",
		zap.Int("version", h.currentPepper.Version),
		zap.Time("created_at", h.currentPepper.CreatedAt),
	)
	return nil
}

// StartPepperRotation rotates the pepper on a fixed period until ctx is done.
func (h *Hasher) StartPepperRotation(ctx context.Context) {
	if h.static || h.rotateEvery <= 0 {
		return
	}
	ticker := time.NewTicker(h.rotateEvery)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.RotatePepper(); err != nil {
					util.Error("Pepper rotation failed", zap.Error(err))
				}
			}
		}
	}()
}

func (h *Hasher) HashCode(code string) (*HashResult, error) {
	return h.hashWithPepper(code, verificationContext)
}

func (h *Hasher) VerifyCode(code string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(code, hashResult, verificationContext)
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(data+pepper.Value+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, purpose string) (bool, error) {
	if hashResult == nil {
		return false, ErrInvalidHash
	}
	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expectedHash) == 0 {
		return false, ErrInvalidHash
	}

	computedHash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}
	return "", ErrPepperNotFound
}

// CurrentPepperVersion is exposed for diagnostics.
func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}
