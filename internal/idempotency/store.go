package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	DefaultClaimTTL    = 30 * time.Second
	DefaultResponseTTL = 24 * time.Hour
)

var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Response is a completed admin response replayed for repeated keys.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	// Fingerprint is the hash of the request that produced the response.
	Fingerprint string `json:"fingerprint"`
}

type Store interface {
	Lookup(ctx context.Context, scope, key string) (Response, bool, error)
	Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, scope, key, owner string) error
}

// Fingerprint hashes a request body so a reused key with a different payload is detected.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func compoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	sum := sha256.Sum256([]byte(key))
	return scope + ":" + hex.EncodeToString(sum[:16]), nil
}

func claimOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	return owner, nil
}
