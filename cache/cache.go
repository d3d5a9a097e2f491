// Package cache stores discovery results keyed by operator (MCC, MNC).
package cache

import (
	"context"
	"time"
)

// Key identifies one operator.
type Key struct {
	MCC string
	MNC string
}

// NewKey builds a key; ok is false unless both codes are non-empty.
func NewKey(mcc, mnc string) (Key, bool) {
	k := Key{MCC: mcc, MNC: mnc}
	return k, k.Valid()
}

// Valid reports whether the key can be used for lookups.
func (k Key) Valid() bool {
	return k.MCC != "" && k.MNC != ""
}

func (k Key) String() string {
	return k.MCC + "_" + k.MNC
}

// Entry is a stored discovery document with its absolute expiry.
type Entry struct {
	ExpiresAt time.Time
	Value     []byte
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	return &Entry{ExpiresAt: e.ExpiresAt, Value: v}
}

// Store is the contract every cache backend implements.
//
// Get returns (nil, nil) when the key is absent or its entry has expired;
// an expired entry is indistinguishable from a missing one. Add replaces
// any existing entry for the key. Add and Get fail with an
// invalid-argument error for an unusable key or a nil entry.
type Store interface {
	Add(ctx context.Context, key Key, entry *Entry) error
	Get(ctx context.Context, key Key) (*Entry, error)
	Remove(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
}
