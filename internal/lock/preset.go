package lock

import (
	"math/rand/v2"
	"time"
)

// Preset bundles the lease lifetime and retry policy of a class of
// critical sections.  Call sites pick one of the named presets below
// instead of inventing timings.
type Preset struct {
	Name string
	// TTL is the lease lifetime on every node.
	TTL time.Duration
	// Retries is how many additional attempts follow a contended one.
	Retries int
	// RetryDelay is the base pause between attempts; Jitter is added on
	// top at random so competing processes do not retry in lockstep.
	RetryDelay time.Duration
	Jitter     time.Duration
	// Wait caps the total time spent acquiring.  Zero means only Retries
	// bounds the loop.
	Wait time.Duration
	// NodeTimeout bounds each individual node round trip.
	NodeTimeout time.Duration
	// ExtendAt is the fraction of TTL after which WithLock extends the
	// lease once.  Zero disables extension.
	ExtendAt float64
}

var (
	// Read is for short, low-risk sections such as refreshing a table
	// snapshot.
	Read = Preset{
		Name:        "read",
		TTL:         2 * time.Second,
		Retries:     2,
		RetryDelay:  50 * time.Millisecond,
		Jitter:      25 * time.Millisecond,
		Wait:        250 * time.Millisecond,
		NodeTimeout: 50 * time.Millisecond,
	}
	// Standard guards table-only mutations that move no money.
	Standard = Preset{
		Name:        "standard",
		TTL:         5 * time.Second,
		Retries:     10,
		RetryDelay:  100 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
		Wait:        2 * time.Second,
		NodeTimeout: 100 * time.Millisecond,
	}
	// Critical guards anything that touches balances: long lease,
	// aggressive retry and a single extension half way through.
	Critical = Preset{
		Name:        "critical",
		TTL:         10 * time.Second,
		Retries:     40,
		RetryDelay:  75 * time.Millisecond,
		Jitter:      50 * time.Millisecond,
		Wait:        5 * time.Second,
		NodeTimeout: 150 * time.Millisecond,
		ExtendAt:    0.5,
	}
)

// MaxTTL returns the longest TTL among presets (all named presets when
// none are given).  The state store uses it to size its idle expiry.
func MaxTTL(presets ...Preset) time.Duration {
	if len(presets) == 0 {
		presets = []Preset{Read, Standard, Critical}
	}
	var max time.Duration
	for _, p := range presets {
		if p.TTL > max {
			max = p.TTL
		}
	}
	return max
}

func (p Preset) normalized() Preset {
	if p.Name == "" {
		p.Name = "custom"
	}
	if p.TTL <= 0 {
		p.TTL = Standard.TTL
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.NodeTimeout <= 0 {
		p.NodeTimeout = 100 * time.Millisecond
	}
	if p.ExtendAt < 0 || p.ExtendAt >= 1 {
		p.ExtendAt = 0
	}
	return p
}

func (p Preset) nextDelay() time.Duration {
	d := p.RetryDelay
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}
