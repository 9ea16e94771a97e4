package network

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-tusupload/retry"
)

// Poll asks the service for the durable identifier of a finished upload.
// Retries wait an extra baseline on top of the usual backoff, since an early miss
// usually means the service is still processing the file.
func (c *Client) Poll(ctx context.Context, creds Credentials, sessionURL string) (string, error) {
	fingerprint := SessionID(sessionURL)
	if fingerprint == "" {
		return "", fmt.Errorf("no file fingerprint in session URL %q", sessionURL)
	}

	return retry.Do(ctx, c.policy.WithBaseline(c.pollBaseline), "identifier polling", func(ctx context.Context) (string, error) {
		return c.api.resolveFingerprint(ctx, creds, fingerprint)
	}, IsRetryable)
}
