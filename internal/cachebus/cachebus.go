// Package cachebus publishes best-effort cache-invalidation notifications
// after a chain write. Grounded on pkg/natsutil's generic Publish/Subscribe
// helpers; invalidation is observed but never required for correctness.
package cachebus

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/debian777/kairos-mcp-sub003/pkg/natsutil"
)

const invalidationSubject = "kairos.cache.invalidate"

// Invalidation names the chain whose points just changed.
type Invalidation struct {
	ChainID string `json:"chain_id"`
}

// Bus is a thin wrapper over a *nats.Conn for cache-invalidation messages.
type Bus struct {
	nc *nats.Conn
}

// New wraps an existing NATS connection. A nil connection is valid: Publish
// becomes a no-op, matching the "best-effort, never required" policy.
func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// PublishInvalidation fires a fire-and-forget invalidation message for
// chainID. Errors are swallowed: a dropped cache-invalidation message never
// produces a wrong answer, because readers always validate against the
// vector store before advancing.
func (b *Bus) PublishInvalidation(ctx context.Context, chainID string) {
	if b == nil || b.nc == nil {
		return
	}
	_ = natsutil.Publish(ctx, b.nc, invalidationSubject, Invalidation{ChainID: chainID})
}

// Subscribe registers handler for invalidation notifications, e.g. for an
// in-process read cache to drop its entry.
func Subscribe(nc *nats.Conn, handler func(context.Context, Invalidation)) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, invalidationSubject, handler)
}
