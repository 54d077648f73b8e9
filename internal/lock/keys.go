package lock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tells which resource family a key protects.
type Kind int

const (
	KindTable Kind = iota + 1
	KindBalance
)

// Resource is a parsed resource key.
type Resource struct {
	Kind    Kind
	TableID string
	UserID  uint64
}

// TableKey is the resource key guarding one table's state.
func TableKey(tableID string) string { return "table:" + tableID }

// BalanceKey is the resource key guarding one user's balance.
func BalanceKey(userID uint64) string { return "user:" + strconv.FormatUint(userID, 10) + ":balance" }

// ParseKey validates key and splits it into its parts.
func ParseKey(key string) (Resource, error) {
	switch {
	case strings.HasPrefix(key, "table:"):
		id := strings.TrimPrefix(key, "table:")
		if id == "" || strings.ContainsAny(id, " \t\n") {
			return Resource{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		return Resource{Kind: KindTable, TableID: id}, nil
	case strings.HasPrefix(key, "user:") && strings.HasSuffix(key, ":balance"):
		raw := strings.TrimSuffix(strings.TrimPrefix(key, "user:"), ":balance")
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return Resource{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		return Resource{Kind: KindBalance, UserID: id}, nil
	}
	return Resource{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
}

// Order deduplicates keys and returns them in the one global acquisition
// order: table keys first (by table id), then balance keys by numeric
// user id.  Every multi-resource critical section acquires in this order,
// which rules out lock-order deadlocks between overlapping actions.
func Order(keys []string) ([]string, error) {
	seen := make(map[string]struct{}, len(keys))
	var tables []Resource
	var users []Resource
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		r, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		if r.Kind == KindTable {
			tables = append(tables, r)
		} else {
			users = append(users, r)
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].TableID < tables[j].TableID })
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	out := make([]string, 0, len(tables)+len(users))
	for _, r := range tables {
		out = append(out, TableKey(r.TableID))
	}
	for _, r := range users {
		out = append(out, BalanceKey(r.UserID))
	}
	return out, nil
}
