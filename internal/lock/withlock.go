package lock

import (
	"context"
	"errors"
	"time"
)

// WithLock acquires key under preset p, runs fn exactly once and always
// attempts to release afterwards, whether fn returned an error or
// panicked.  Release failures are logged, never returned.
//
// When p.ExtendAt is set the lease is extended once after that fraction
// of the TTL.  If that extension cannot be confirmed by a quorum, fn's
// context is cancelled with ErrQuorumLost as cause.  When fn then fails,
// WithLock returns ErrQuorumLost joined with fn's error.  A nil error from
// fn is kept: fn has already made its work durable and reporting a
// failure would invite a retry of committed work.
func WithLock[T any](ctx context.Context, m *Manager, key string, p Preset, fn func(context.Context) (T, error)) (T, error) {
	return WithLocks(ctx, m, []string{key}, p, fn)
}

// WithLocks is WithLock over several resources.  Keys are put into the
// global acquisition order before anything is taken.
func WithLocks[T any](ctx context.Context, m *Manager, keys []string, p Preset, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ordered, err := Order(keys)
	if err != nil {
		return zero, err
	}
	p = p.normalized()
	leases, err := m.AcquireAll(ctx, ordered, p)
	if err != nil {
		return zero, err
	}
	return runHeld(ctx, m, leases, p, fn)
}

func runHeld[T any](ctx context.Context, m *Manager, leases []*Lease, p Preset, fn func(context.Context) (T, error)) (result T, err error) {
	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	fnCtx = context.WithValue(fnCtx, leasesKey{}, leases)
	stop := m.extendOnce(fnCtx, leases, p, cancel)
	defer func() {
		stop()
		if r := recover(); r != nil {
			m.releaseQuietly(leases)
			panic(r)
		}
		m.releaseQuietly(leases)
		if err == nil {
			return
		}
		if cause := context.Cause(fnCtx); errors.Is(cause, ErrQuorumLost) {
			var zero T
			result = zero
			if !errors.Is(err, ErrQuorumLost) {
				err = errors.Join(cause, err)
			} else {
				err = cause
			}
		}
	}()
	return fn(fnCtx)
}

// extendOnce arms a timer that extends every lease once at p.ExtendAt of
// the TTL.  The returned stop function disarms the timer and waits for an
// in-flight extension so release never races it.
func (m *Manager) extendOnce(ctx context.Context, leases []*Lease, p Preset, cancel context.CancelCauseFunc) func() {
	if p.ExtendAt <= 0 || len(leases) == 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		timer := time.NewTimer(time.Duration(float64(p.TTL) * p.ExtendAt))
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		for _, l := range leases {
			ectx, ecancel := context.WithTimeout(context.Background(), 2*p.NodeTimeout)
			err := l.Extend(ectx)
			ecancel()
			if err != nil {
				cancel(err)
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

type leasesKey struct{}

// Held returns the leases WithLock/WithLocks holds for ctx, in
// acquisition order.
func Held(ctx context.Context) []*Lease {
	leases, _ := ctx.Value(leasesKey{}).([]*Lease)
	return leases
}

// CheckHeld verifies every lease held for ctx is still valid.  Call it
// right before making anything durable.
func CheckHeld(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrQuorumLost) {
		return cause
	}
	for _, l := range Held(ctx) {
		if err := l.Check(); err != nil {
			return err
		}
	}
	return nil
}
