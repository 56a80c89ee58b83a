// Package engine defines the storage contract the command handlers run
// against, with an in-memory implementation and a Badger-backed one.
package engine

import (
	"path"
	"time"
)

// Entry is a stored value with its absolute expiry. A zero ExpireAt means
// the entry never expires. Entries move between nodes verbatim during slot
// migration so relative TTLs are never re-derived.
type Entry struct {
	Value    []byte
	ExpireAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}

// Engine is the keyspace abstraction. Implementations are safe for
// concurrent use. Keys live in hash slots; the slot-scoped calls back the
// CLUSTER GETKEYSINSLOT/COUNTKEYSINSLOT commands and the migration worker.
type Engine interface {
	// Get returns the value, or false for a missing or expired key.
	Get(key string) ([]byte, bool)
	// GetEntry returns the raw entry including its expiry.
	GetEntry(key string) (*Entry, bool)
	// Set stores value with a relative ttl; ttl <= 0 means no expiry.
	Set(key string, value []byte, ttl time.Duration) error
	// SetEntry stores an entry with its absolute expiry intact.
	SetEntry(key string, entry *Entry) error
	// Delete removes the key, reporting whether it existed.
	Delete(key string) (bool, error)
	// Exists reports whether key is present and not expired.
	Exists(key string) bool
	// Expire sets a relative ttl on an existing key.
	Expire(key string, ttl time.Duration) bool
	// TTL returns the remaining lifetime: -2 for a missing key, -1 for a
	// key without expiry.
	TTL(key string) time.Duration
	// Keys returns every live key matching the glob pattern; "*" and ""
	// match everything.
	Keys(pattern string) []string
	// Rename moves src's entry to dst, expiry included, overwriting dst.
	Rename(src, dst string) error
	// SlotKeys returns up to count keys in slot; count <= 0 means all.
	SlotKeys(slot uint16, count int) []string
	// CountSlot returns the number of live keys in slot.
	CountSlot(slot uint16) int
	// Len returns the number of live keys.
	Len() int
	// Flush drops the whole keyspace.
	Flush() error
	// Close releases resources.
	Close() error
}

const (
	// TTLMissing is returned by TTL for absent keys.
	TTLMissing = -2 * time.Second
	// TTLNone is returned by TTL for keys without expiry.
	TTLNone = -1 * time.Second
)

// matchPattern matches key against a glob pattern. "*" and "" match
// everything; a malformed pattern matches nothing.
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	matched, _ := path.Match(pattern, key)
	return matched
}
