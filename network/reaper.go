package network

import (
	"context"

	"github.com/bitrise-io/go-tusupload/retry"
)

// Reap deletes an abandoned session so the service can free its storage.
// It reports whether the deletion went through; a failure only leaves an orphaned
// session behind and is logged, never escalated.
func (c *Client) Reap(ctx context.Context, sessionURL string) bool {
	_, err := retry.Do(ctx, c.policy, "session deletion", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.api.deleteSession(ctx, sessionURL)
	}, IsRetryable)
	if err != nil {
		c.logger.Warnf("Failed to delete upload session %s: %s", sessionURL, err)
		return false
	}
	return true
}
