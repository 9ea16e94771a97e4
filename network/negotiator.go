package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-tusupload/retry"
)

// authDeniedMarker in a token exchange failure means the account itself was refused.
const authDeniedMarker = "403"

// ErrAccountInaccessible is returned when the service denies the credentials.
var ErrAccountInaccessible = errors.New("Account is UnAccessable")

// Session is a resumable upload session on the service.
type Session struct {
	URL         string
	TotalLength int64
}

// ID returns the last path segment of the session URL, which the service also
// uses to identify the uploaded content.
func (s Session) ID() string {
	return SessionID(s.URL)
}

// SessionID ...
func SessionID(sessionURL string) string {
	trimmed := strings.Trim(sessionURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// ExchangeToken trades the account credentials for an upload endpoint and token.
// Access denial is not retried and is reported as ErrAccountInaccessible.
func (c *Client) ExchangeToken(ctx context.Context, creds Credentials) (Endpoint, error) {
	endpoint, err := retry.Do(ctx, c.policy, "token exchange", func(ctx context.Context) (Endpoint, error) {
		return c.api.exchangeToken(ctx, creds)
	}, func(err error) bool {
		return !isAuthDenied(err) && IsRetryable(err)
	})
	if err != nil {
		if isAuthDenied(err) {
			return Endpoint{}, fmt.Errorf("%w: %s", ErrAccountInaccessible, err)
		}
		return Endpoint{}, err
	}
	return endpoint, nil
}

// CreateSession opens an upload session of the given size on the endpoint.
func (c *Client) CreateSession(ctx context.Context, endpoint Endpoint, fileName string, size int64) (Session, error) {
	metadata := encodeMetadata(map[string]string{
		"name":  fileName,
		"token": endpoint.Token,
	})

	sessionURL, err := retry.Do(ctx, c.policy, "session creation", func(ctx context.Context) (string, error) {
		return c.api.createSession(ctx, endpoint.URL, metadata, size)
	}, IsRetryable)
	if err != nil {
		return Session{}, err
	}
	return Session{URL: sessionURL, TotalLength: size}, nil
}

// Negotiate runs the token exchange followed by session creation.
func (c *Client) Negotiate(ctx context.Context, creds Credentials, fileName string, size int64) (Session, error) {
	endpoint, err := c.ExchangeToken(ctx, creds)
	if err != nil {
		return Session{}, fmt.Errorf("get upload endpoint: %w", err)
	}
	c.logger.Debugf("Upload endpoint: %s", endpoint.URL)

	session, err := c.CreateSession(ctx, endpoint, fileName, size)
	if err != nil {
		return Session{}, fmt.Errorf("create upload session: %w", err)
	}
	c.logger.Debugf("Upload session: %s", session.URL)

	return session, nil
}

func isAuthDenied(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusForbidden || strings.Contains(apiErr.Message, authDeniedMarker)
}
