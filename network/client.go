// Package network talks to the upload service: it negotiates upload sessions,
// queries and advances their offsets, deletes abandoned sessions and resolves
// finished uploads to durable identifiers.
package network

import (
	"context"
	"net/http"
	"time"

	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultPollBaseline is added to every identifier polling backoff, the service
// needs time to process a finished upload.
const DefaultPollBaseline = 10 * time.Second

// ClientParams configures a Client.
// PollBaseline defaults to DefaultPollBaseline, a negative value disables it.
// HTTPClient overrides the underlying transport client, mostly for tests.
type ClientParams struct {
	APIBaseURL   string
	Timeouts     Timeouts
	RetryPolicy  retry.Policy
	PollBaseline time.Duration
	HTTPClient   *http.Client
}

// Client runs every protocol operation under its own retry budget.
type Client struct {
	api          apiClient
	policy       retry.Policy
	pollBaseline time.Duration
	logger       log.Logger
}

// NewClient creates a Client. Zero valued params fall back to the defaults.
func NewClient(params ClientParams, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	// retries are driven by retry.Policy, one level up
	httpClient.RetryMax = 0
	httpClient.CheckRetry = noRetry
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if params.HTTPClient != nil {
		httpClient.HTTPClient = params.HTTPClient
	}

	timeouts := params.Timeouts
	defaults := DefaultTimeouts()
	if timeouts.API <= 0 {
		timeouts.API = defaults.API
	}
	if timeouts.Metadata <= 0 {
		timeouts.Metadata = defaults.Metadata
	}
	if timeouts.Chunk <= 0 {
		timeouts.Chunk = defaults.Chunk
	}

	policy := params.RetryPolicy
	if policy.Unit == 0 && policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy(logger)
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}

	pollBaseline := params.PollBaseline
	switch {
	case pollBaseline == 0:
		pollBaseline = DefaultPollBaseline
	case pollBaseline < 0:
		pollBaseline = 0
	}

	return &Client{
		api:          newAPIClient(httpClient, params.APIBaseURL, timeouts, logger),
		policy:       policy,
		pollBaseline: pollBaseline,
		logger:       logger,
	}
}

// Policy returns the retry policy shared by every operation of the client.
func (c *Client) Policy() retry.Policy {
	return c.policy
}

// WriteChunk sends one chunk at the given offset and returns the offset the
// service reports afterwards. It makes a single attempt.
func (c *Client) WriteChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	return c.api.writeChunk(ctx, sessionURL, offset, chunk)
}

func noRetry(context.Context, *http.Response, error) (bool, error) {
	return false, nil
}
