// Package lock implements the quorum lock every table and balance
// mutation runs under.  A lease is held when the same random token was
// written with a TTL to a majority of independent Redis nodes within the
// lease's validity window.
//
// This is a best-effort mutual exclusion scheme: it is not linearizable
// under heavy clock skew or asymmetric partitions between the nodes.  The
// state store's version check is the second line of defense.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/metrics"
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript re-arms the key's expiry only when it still carries our
// token.
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

const (
	defaultPrefix      = "lock:"
	defaultDriftFactor = 0.01
	driftFloor         = 2 * time.Millisecond
)

// Manager acquires leases across a fixed set of independent nodes.
type Manager struct {
	nodes       []*redis.Client
	quorum      int
	prefix      string
	driftFactor float64
	logger      pslog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l pslog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithPrefix namespaces lock keys on the nodes (default "lock:").
func WithPrefix(p string) Option { return func(m *Manager) { m.prefix = p } }

// WithDriftFactor sets the fraction of the TTL reserved for clock drift
// between this process and the nodes.
func WithDriftFactor(f float64) Option {
	return func(m *Manager) {
		if f >= 0 && f < 0.5 {
			m.driftFactor = f
		}
	}
}

// New builds a manager over nodes.  Quorum is a strict majority.
func New(nodes []*redis.Client, opts ...Option) (*Manager, error) {
	if len(nodes) == 0 {
		return nil, errors.New("lock: at least one node is required")
	}
	for i, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("lock: node %d is nil", i)
		}
	}
	m := &Manager{
		nodes:       nodes,
		quorum:      len(nodes)/2 + 1,
		prefix:      defaultPrefix,
		driftFactor: defaultDriftFactor,
		logger:      pslog.NoopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Quorum is the number of nodes that must agree for a lease to be held.
func (m *Manager) Quorum() int { return m.quorum }

// Nodes is the number of configured nodes.
func (m *Manager) Nodes() int { return len(m.nodes) }

// Acquire takes a lease on key following preset p.  It returns
// ErrAcquisitionTimeout when the key stays held elsewhere for the whole
// budget and ErrQuorumUnavailable when the cache tier cannot form a
// majority.
func (m *Manager) Acquire(ctx context.Context, key string, p Preset) (*Lease, error) {
	if _, err := ParseKey(key); err != nil {
		return nil, err
	}
	p = p.normalized()
	logger := m.logger.With("key", key, "preset", p.Name)
	start := m.now()
	var deadline time.Time
	if p.Wait > 0 {
		deadline = start.Add(p.Wait)
	}
	token := uuid.NewString()

	var lastErr error
	attempts := 0
	for {
		attempts++
		lease, err := m.tryAcquire(ctx, key, token, p)
		if err == nil {
			took := m.now().Sub(start)
			m.metrics.LockAcquired(p.Name, "ok", took)
			logger.Debug("lock.acquire.ok", "attempts", attempts, "took_ms", took.Milliseconds())
			return lease, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			m.metrics.LockAcquired(p.Name, "timeout", m.now().Sub(start))
			return nil, fmt.Errorf("%w: %s: %w", ErrAcquisitionTimeout, key, ctx.Err())
		}
		if errors.Is(err, errAllNodesDown) {
			m.metrics.LockAcquired(p.Name, "unavailable", m.now().Sub(start))
			logger.Error("lock.acquire.cache_unreachable", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrQuorumUnavailable, err)
		}
		if attempts > p.Retries {
			break
		}
		delay := p.nextDelay()
		if !deadline.IsZero() && m.now().Add(delay).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			m.metrics.LockAcquired(p.Name, "timeout", m.now().Sub(start))
			return nil, fmt.Errorf("%w: %s: %w", ErrAcquisitionTimeout, key, ctx.Err())
		case <-time.After(delay):
		}
	}

	took := m.now().Sub(start)
	if errors.Is(lastErr, ErrQuorumUnavailable) {
		m.metrics.LockAcquired(p.Name, "unavailable", took)
		logger.Error("lock.acquire.quorum_unavailable", "attempts", attempts, "error", lastErr)
		return nil, lastErr
	}
	m.metrics.LockAcquired(p.Name, "timeout", took)
	logger.Info("lock.acquire.timeout", "attempts", attempts, "took_ms", took.Milliseconds())
	return nil, fmt.Errorf("%w: %s busy after %d attempts", ErrAcquisitionTimeout, key, attempts)
}

// AcquireAll takes leases on keys in the order given.  Callers pass keys
// through Order first.  On any failure the leases already held are
// released before the error is returned.
func (m *Manager) AcquireAll(ctx context.Context, keys []string, p Preset) ([]*Lease, error) {
	leases := make([]*Lease, 0, len(keys))
	for _, key := range keys {
		lease, err := m.Acquire(ctx, key, p)
		if err != nil {
			m.releaseQuietly(leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseAll releases leases in reverse acquisition order and joins any
// errors.
func (m *Manager) ReleaseAll(ctx context.Context, leases []*Lease) error {
	var errs []error
	for i := len(leases) - 1; i >= 0; i-- {
		if err := leases[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// releaseQuietly releases with a fresh context and only logs failures;
// the TTL guarantees the keys go away eventually.
func (m *Manager) releaseQuietly(leases []*Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.ReleaseAll(ctx, leases); err != nil {
		m.logger.Warn("lock.release.failed", "error", err)
	}
}

var errAllNodesDown = errors.New("no cache node reachable")

func (m *Manager) tryAcquire(ctx context.Context, key, token string, p Preset) (*Lease, error) {
	start := m.now()
	nodeKey := m.prefix + key
	results := m.fanOut(ctx, p.NodeTimeout, func(ctx context.Context, c *redis.Client) (bool, error) {
		return c.SetNX(ctx, nodeKey, token, p.TTL).Result()
	})
	acquired, failed := tally(results)
	validity := p.TTL - m.now().Sub(start) - m.drift(p.TTL)
	if acquired >= m.quorum && validity > 0 {
		return &Lease{
			m:          m,
			key:        key,
			token:      token,
			preset:     p,
			validUntil: start.Add(p.TTL - m.drift(p.TTL)),
		}, nil
	}

	// Never leave a minority "half lock" behind.
	m.rollback(nodeKey, token, p.NodeTimeout)

	if failed == len(m.nodes) {
		return nil, fmt.Errorf("%w: %w", errAllNodesDown, firstErr(results))
	}
	if failed > len(m.nodes)-m.quorum {
		return nil, fmt.Errorf("%w: %d of %d nodes failed: %w", ErrQuorumUnavailable, failed, len(m.nodes), firstErr(results))
	}
	return nil, errContended
}

func (m *Manager) rollback(nodeKey, token string, timeout time.Duration) {
	ctx := context.Background()
	m.fanOut(ctx, timeout, func(ctx context.Context, c *redis.Client) (bool, error) {
		n, err := releaseScript.Run(ctx, c, []string{nodeKey}, token).Int()
		return n == 1, err
	})
}

func (m *Manager) drift(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl)*m.driftFactor) + driftFloor
}

type nodeResult struct {
	ok  bool
	err error
}

// fanOut runs op against every node concurrently, each bounded by
// timeout, and collects the per-node outcome.
func (m *Manager) fanOut(ctx context.Context, timeout time.Duration, op func(context.Context, *redis.Client) (bool, error)) []nodeResult {
	results := make([]nodeResult, len(m.nodes))
	var g errgroup.Group
	for i, node := range m.nodes {
		g.Go(func() error {
			nctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			ok, err := op(nctx, node)
			results[i] = nodeResult{ok: ok, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func tally(results []nodeResult) (ok, failed int) {
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
		case r.ok:
			ok++
		}
	}
	return ok, failed
}

func firstErr(results []nodeResult) error {
	for _, r := range results {
		if r.err != nil {
			return r.err
		}
	}
	return nil
}
