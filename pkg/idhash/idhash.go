// Package idhash derives the one-way hash stored in place of a sensitive identifier.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLength is the derived key size in bytes; hashes are its hex encoding.
	KeyLength = 32

	DefaultCacheSize = 10_000
)

var ErrInvalidConfig = errors.New("invalid hashing configuration")

type Config struct {
	Iterations int
	Pepper     []byte
	CacheSize  int
}

func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: iterations must be positive", ErrInvalidConfig)
	}
	if len(c.Pepper) == 0 {
		return fmt.Errorf("%w: pepper is required", ErrInvalidConfig)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("%w: negative cache size", ErrInvalidConfig)
	}
	return nil
}

// Hasher is safe for concurrent use.
type Hasher struct {
	cfg Config
}

func New(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Hasher{cfg: cfg}, nil
}

// Config returns the configuration the hasher was built with, defaults applied.
func (h *Hasher) Config() Config { return h.cfg }

// Hash is a pure function of raw and the configuration: PBKDF2-HMAC-SHA256 with the pepper as salt.
func (h *Hasher) Hash(raw string) string {
	key := pbkdf2.Key([]byte(raw), h.cfg.Pepper, h.cfg.Iterations, KeyLength, sha256.New)
	return hex.EncodeToString(key)
}
