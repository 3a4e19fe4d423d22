// Package cache maps request fingerprints to produced artifacts.
package cache

import (
	"time"

	"github.com/polisai/geoexport/pkg/domain"
)

// Entry is a cached export result.
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Result      domain.ResultRef `json:"result"`
	CreatedAt   time.Time        `json:"created_at"`
	TTL         time.Duration    `json:"ttl"`
}

// ExpiresAt returns the instant after which the entry is a miss.
// A zero TTL never expires.
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Store exposes the fingerprint cache operations.
type Store interface {
	Lookup(fp string) (Entry, bool)
	Store(fp string, result domain.ResultRef, ttl time.Duration) Entry
	Purge() int
	Len() int
}
