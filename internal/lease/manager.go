package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultTTL = 90 * time.Second

var ErrNotAcquired = errors.New("lease not acquired")

// Lease is a held lock. Token is a fencing token, strictly increasing per resource.
type Lease struct {
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, resource, owner string, token uint64) error
}

// NodeResource is the lease key serializing controller work on one node.
func NodeResource(nodeID int64) string {
	return "node:" + strconv.FormatInt(nodeID, 10)
}

// Do runs fn while holding the lease on resource and releases it afterwards.
// It returns ErrNotAcquired without calling fn when another owner holds it.
func Do(ctx context.Context, m Manager, resource, owner string, ttl time.Duration, fn func(ctx context.Context, l Lease) error) error {
	held, ok, err := m.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAcquired, resource)
	}
	defer func() {
		// Release with a fresh context so a cancelled caller does not leak the lease.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Release(releaseCtx, resource, owner, held.Token)
	}()
	return fn(ctx, held)
}

type request struct {
	resource string
	owner    string
	ttl      time.Duration
}

func normalize(resource, owner string, ttl time.Duration) (request, error) {
	req := request{
		resource: strings.TrimSpace(resource),
		owner:    strings.TrimSpace(owner),
		ttl:      ttl,
	}
	if req.resource == "" {
		return request{}, errors.New("resource is required")
	}
	if req.owner == "" {
		return request{}, errors.New("owner is required")
	}
	if req.ttl <= 0 {
		req.ttl = DefaultTTL
	}
	return req, nil
}

func normalizeHeld(resource, owner string, token uint64, ttl time.Duration) (request, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return request{}, err
	}
	if token == 0 {
		return request{}, errors.New("token is required")
	}
	return req, nil
}
