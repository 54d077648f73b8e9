// Package state keeps live table state in Redis as a versioned hash.
// Every write is conditional on the version the writer read, so a code
// path that forgot to take the table lock still cannot clobber a
// concurrent writer.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/gametable/internal/model"
)

// ErrNotFound is returned when no live state exists for the table.
var ErrNotFound = errors.New("state: table not found")

// ErrConflict is returned when the stored version differs from the one
// the writer expected.
var ErrConflict = errors.New("state: version conflict")

// ErrExists is returned by Create when the table is already live.
var ErrExists = errors.New("state: table already exists")

// Script results shared with the Lua side.
const (
	resMissing  = -1
	resConflict = -2
	resExists   = -3
)

// putScript implements both create (expected version 0) and conditional
// update.  KEYS[1] is the hash; ARGV: expected version, encoded state
// (with the new version already embedded), ttl in ms.
var putScript = redis.NewScript(`
	local expected = tonumber(ARGV[1])
	local current = redis.call('HGET', KEYS[1], 'version')
	if expected == 0 then
		if current then
			return -3
		end
	else
		if not current then
			return -1
		end
		if tonumber(current) ~= expected then
			return -2
		end
	end
	local nextVersion = expected + 1
	redis.call('HSET', KEYS[1], 'version', nextVersion, 'state', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return nextVersion
`)

// deleteScript removes the hash only at the expected version.
var deleteScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'version')
	if not current then
		return -1
	end
	if tonumber(current) ~= tonumber(ARGV[1]) then
		return -2
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// Options configures a Store.
type Options struct {
	// Prefix namespaces state keys (default "state:table:").
	Prefix string
	// IdleTTL is how long an untouched table survives.  Every successful
	// write re-arms it.
	IdleTTL time.Duration
	// MinTTL is the floor IdleTTL must respect.  Callers pass at least
	// the longest lock TTL so state never expires under a held lock.
	MinTTL time.Duration
}

// Store is the Redis-backed table state store.
type Store struct {
	rdb     *redis.Client
	prefix  string
	idleTTL time.Duration
	now     func() time.Time
}

// New validates opts and returns a Store.
func New(rdb *redis.Client, opts Options) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("state: redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "state:table:"
	}
	if opts.IdleTTL <= 0 {
		return nil, errors.New("state: idle ttl must be positive")
	}
	if opts.IdleTTL < opts.MinTTL {
		return nil, fmt.Errorf("state: idle ttl %s is shorter than the minimum %s", opts.IdleTTL, opts.MinTTL)
	}
	return &Store{rdb: rdb, prefix: opts.Prefix, idleTTL: opts.IdleTTL, now: time.Now}, nil
}

// IdleTTL reports the configured idle expiry.
func (s *Store) IdleTTL() time.Duration { return s.idleTTL }

func (s *Store) key(tableID string) string { return s.prefix + tableID }

// Get loads a table and the version it was stored at.
func (s *Store) Get(ctx context.Context, tableID string) (*model.TableState, int64, error) {
	if strings.TrimSpace(tableID) == "" {
		return nil, 0, errors.New("state: table id is required")
	}
	vals, err := s.rdb.HMGet(ctx, s.key(tableID), "version", "state").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("state: get %s: %w", tableID, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, 0, ErrNotFound
	}
	version, err := asInt64(vals[0])
	if err != nil {
		return nil, 0, fmt.Errorf("state: decode version of %s: %w", tableID, err)
	}
	raw, ok := vals[1].(string)
	if !ok {
		return nil, 0, fmt.Errorf("state: unexpected payload type %T", vals[1])
	}
	var st model.TableState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, 0, fmt.Errorf("state: decode %s: %w", tableID, err)
	}
	st.Version = version
	return &st, version, nil
}

// Create stores a brand-new table at version 1.
func (s *Store) Create(ctx context.Context, st *model.TableState) (int64, error) {
	return s.write(ctx, st, 0)
}

// Put stores st only when the stored version still equals
// expectedVersion and returns the new version (expectedVersion+1).  The
// idle TTL is refreshed on success.
func (s *Store) Put(ctx context.Context, st *model.TableState, expectedVersion int64) (int64, error) {
	if expectedVersion <= 0 {
		return 0, fmt.Errorf("state: expected version must be positive, got %d", expectedVersion)
	}
	return s.write(ctx, st, expectedVersion)
}

func (s *Store) write(ctx context.Context, st *model.TableState, expected int64) (int64, error) {
	if st == nil || strings.TrimSpace(st.TableID) == "" {
		return 0, errors.New("state: table id is required")
	}
	next := *st
	next.Version = expected + 1
	next.UpdatedAt = s.now().UTC()
	if expected == 0 && next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	payload, err := json.Marshal(&next)
	if err != nil {
		return 0, fmt.Errorf("state: encode %s: %w", st.TableID, err)
	}
	res, err := putScript.Run(ctx, s.rdb, []string{s.key(st.TableID)}, expected, payload, s.idleTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("state: put %s: %w", st.TableID, err)
	}
	switch res {
	case resMissing:
		return 0, ErrNotFound
	case resConflict:
		return 0, fmt.Errorf("%w: %s expected version %d", ErrConflict, st.TableID, expected)
	case resExists:
		return 0, fmt.Errorf("%w: %s", ErrExists, st.TableID)
	}
	st.Version = res
	st.UpdatedAt = next.UpdatedAt
	st.CreatedAt = next.CreatedAt
	return res, nil
}

// Delete removes the table when it is still at expectedVersion.
func (s *Store) Delete(ctx context.Context, tableID string, expectedVersion int64) error {
	res, err := deleteScript.Run(ctx, s.rdb, []string{s.key(tableID)}, expectedVersion).Int64()
	if err != nil {
		return fmt.Errorf("state: delete %s: %w", tableID, err)
	}
	switch res {
	case resMissing:
		return ErrNotFound
	case resConflict:
		return fmt.Errorf("%w: %s expected version %d", ErrConflict, tableID, expectedVersion)
	}
	return nil
}

// TTL returns the remaining idle lifetime of a table.
func (s *Store) TTL(ctx context.Context, tableID string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, s.key(tableID)).Result()
	if err != nil {
		return 0, fmt.Errorf("state: ttl %s: %w", tableID, err)
	}
	if d < 0 {
		return 0, ErrNotFound
	}
	return d, nil
}

func asInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		_, err := fmt.Sscan(t, &n)
		return n, err
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
