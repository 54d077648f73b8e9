package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a held quorum lock.  Only the holder knows its token, which
// is required to extend or release it.
type Lease struct {
	m      *Manager
	key    string
	token  string
	preset Preset

	mu         sync.Mutex
	validUntil time.Time
	lost       bool
	released   bool
}

// Key returns the protected resource key.
func (l *Lease) Key() string { return l.key }

// Token returns the owner token written to the nodes.
func (l *Lease) Token() string { return l.token }

// ValidUntil is the local deadline after which the lease can no longer
// be assumed held.
func (l *Lease) ValidUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validUntil
}

// Check returns ErrQuorumLost when the validity window has passed or an
// extension failed, and ErrNotHeld after release.  Callers check right
// before committing anything durable.
func (l *Lease) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.released:
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	case l.lost:
		return fmt.Errorf("%w: %s extension failed", ErrQuorumLost, l.key)
	case !l.m.now().Before(l.validUntil):
		return fmt.Errorf("%w: %s validity expired", ErrQuorumLost, l.key)
	}
	return nil
}

// Extend re-writes the same token with a fresh TTL on every node.  The
// extension only counts when a majority confirms it in time; otherwise
// the lease is marked lost and ErrQuorumLost is returned.
func (l *Lease) Extend(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	l.mu.Unlock()

	m := l.m
	ttl := l.preset.TTL
	start := m.now()
	nodeKey := m.prefix + l.key
	results := m.fanOut(ctx, l.preset.NodeTimeout, func(ctx context.Context, c *redis.Client) (bool, error) {
		n, err := extendScript.Run(ctx, c, []string{nodeKey}, l.token, ttl.Milliseconds()).Int()
		return n == 1, err
	})
	ok, failed := tally(results)
	validity := ttl - m.now().Sub(start) - m.drift(ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	if ok >= m.quorum && validity > 0 {
		l.validUntil = start.Add(ttl - m.drift(ttl))
		m.metrics.LockExtended(true)
		m.logger.Debug("lock.extend.ok", "key", l.key, "nodes_ok", ok)
		return nil
	}
	l.lost = true
	m.metrics.LockExtended(false)
	m.logger.Warn("lock.extend.quorum_lost", "key", l.key, "nodes_ok", ok, "nodes_failed", failed, "quorum", m.quorum)
	if err := firstErr(results); err != nil {
		return fmt.Errorf("%w: %s confirmed by %d/%d nodes: %w", ErrQuorumLost, l.key, ok, len(m.nodes), err)
	}
	return fmt.Errorf("%w: %s confirmed by %d/%d nodes", ErrQuorumLost, l.key, ok, len(m.nodes))
}

// Release deletes the key on every node that still carries our token.
// Nodes where the key expired or now belongs to someone else are left
// alone.  Node errors yield ErrReleaseFailed, which callers log and
// otherwise ignore.  Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	m := l.m
	nodeKey := m.prefix + l.key
	results := m.fanOut(ctx, l.preset.NodeTimeout, func(ctx context.Context, c *redis.Client) (bool, error) {
		n, err := releaseScript.Run(ctx, c, []string{nodeKey}, l.token).Int()
		return n == 1, err
	})
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if len(errs) > 0 {
		m.metrics.LockReleased(false)
		m.logger.Warn("lock.release.partial", "key", l.key, "failed_nodes", len(errs), "error", errs[0])
		return fmt.Errorf("%w: %s: %w", ErrReleaseFailed, l.key, errors.Join(errs...))
	}
	m.metrics.LockReleased(true)
	return nil
}
