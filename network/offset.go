package network

import (
	"context"
	"errors"
	"net/http"

	"github.com/bitrise-io/go-tusupload/retry"
)

// Offset returns how many bytes of the session the service has stored.
// When the service can't be reached within the retry budget it returns 0, so the
// caller starts from the beginning instead of getting stuck.
func (c *Client) Offset(ctx context.Context, sessionURL string) int64 {
	offset, err := retry.Do(ctx, c.policy, "offset query", func(ctx context.Context) (int64, error) {
		return c.api.offset(ctx, sessionURL)
	}, IsRetryable)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Warnf("Upload session %s no longer exists, clear its cached entry to start a new session", sessionURL)
		}
		c.logger.Warnf("Failed to query upload offset, assuming 0: %s", err)
		return 0
	}
	return offset
}
