// Package sessioncache remembers negotiated upload session URLs between runs,
// so an interrupted upload can resume instead of starting a new session.
package sessioncache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is how long a cached session URL stays usable.
const DefaultTTL = 24 * time.Hour

// Store maps a content fingerprint to a session URL.
//
// Get reports absent for missing, expired or unreadable entries; expired entries
// are deleted as a side effect. Set and Clear failures are returned to the caller,
// who is expected to log them and carry on.
type Store interface {
	Get(ctx context.Context, fingerprint string) (string, bool)
	Set(ctx context.Context, fingerprint, sessionURL string) error
	Clear(ctx context.Context, fingerprint string) error
}

func validateFingerprint(fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("empty fingerprint")
	}
	if strings.ContainsAny(fingerprint, `/\`) || fingerprint == "." || fingerprint == ".." {
		return fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return nil
}

func expired(createdAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(createdAt) > ttl
}
