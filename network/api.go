package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// TusVersion is sent in the Tus-Resumable header of every protocol request.
const TusVersion = "1.0.0"

const (
	headerTusResumable   = "Tus-Resumable"
	headerUploadOffset   = "Upload-Offset"
	headerUploadLength   = "Upload-Length"
	headerUploadMetadata = "Upload-Metadata"
	headerLocation       = "Location"
	contentTypeChunk     = "application/offset+octet-stream"
	contentTypeForm      = "application/x-www-form-urlencoded"
)

// APIError is a failed exchange with the upload service: either a non-success HTTP
// status or a well-formed response with success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Credentials identify the account the upload belongs to.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// String redacts the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("{ClientID:%s ClientSecret:*****}", c.ClientID)
}

// IsEmpty reports whether either part is missing.
func (c Credentials) IsEmpty() bool {
	return strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == ""
}

// Endpoint is where new upload sessions are created, with the token that authorizes them.
type Endpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type apiClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	timeouts   Timeouts
	logger     log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, timeouts Timeouts, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeouts:   timeouts,
		logger:     logger,
	}
}

func (c apiClient) exchangeToken(ctx context.Context, creds Credentials) (Endpoint, error) {
	form := url.Values{
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}

	var endpoint Endpoint
	err := c.postForm(ctx, c.baseURL+"/upload", form, func(data json.RawMessage) error {
		if err := json.Unmarshal(data, &endpoint); err != nil {
			return fmt.Errorf("decode upload endpoint: %w", err)
		}
		if endpoint.URL == "" {
			return fmt.Errorf("upload endpoint missing from response")
		}
		return nil
	})
	if err != nil {
		return Endpoint{}, err
	}
	return endpoint, nil
}

func (c apiClient) resolveFingerprint(ctx context.Context, creds Credentials, fingerprint string) (string, error) {
	form := url.Values{
		"client_id":        {creds.ClientID},
		"client_secret":    {creds.ClientSecret},
		"file_fingerprint": {fingerprint},
	}

	var id string
	err := c.postForm(ctx, c.baseURL+"/fingerprint", form, func(data json.RawMessage) error {
		id = dataText(data)
		if id == "" {
			return fmt.Errorf("durable id missing from response")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c apiClient) postForm(ctx context.Context, apiURL string, form url.Values, decode func(json.RawMessage) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.API)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, []byte(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeForm)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	var response apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !response.Success {
		return &APIError{Message: dataText(response.Data)}
	}
	return decode(response.Data)
}

func (c apiClient) createSession(ctx context.Context, endpoint, metadata string, size int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.API)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(headerTusResumable, TusVersion)
	req.Header.Set(headerUploadMetadata, metadata)
	req.Header.Set(headerUploadLength, strconv.FormatInt(size, 10))
	req.ContentLength = 0

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	location := resp.Header.Get(headerLocation)
	if location == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "no Location header in response"}
	}
	return resolveLocation(endpoint, location)
}

func (c apiClient) offset(ctx context.Context, sessionURL string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Metadata)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, sessionURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerTusResumable, TusVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return parseOffset(resp)
}

func (c apiClient) writeChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chunk)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, sessionURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.Header.Set(headerTusResumable, TusVersion)
	req.Header.Set(headerUploadOffset, strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", contentTypeChunk)
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))
	req.ContentLength = int64(len(chunk))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, unwrapError(resp)
	}
	return parseOffset(resp)
}

func (c apiClient) deleteSession(ctx context.Context, sessionURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.API)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, sessionURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerTusResumable, TusVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func parseOffset(resp *http.Response) (int64, error) {
	raw := resp.Header.Get(headerUploadOffset)
	if raw == "" {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: "no Upload-Offset header in response"}
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid Upload-Offset header: %q", raw)}
	}
	return offset, nil
}

func resolveLocation(endpoint, location string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location header: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// encodeMetadata builds an Upload-Metadata header value: comma separated
// "key base64(value)" pairs, keys sorted for a stable output.
func encodeMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(metadata[k])))
	}
	return strings.Join(pairs, ",")
}

// dataText returns a JSON string's value, or the raw JSON otherwise.
func dataText(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(data))
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	message := strings.TrimSpace(string(errorResp))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// IsRetryable is the default failure classifier for protocol requests: service
// errors are always retried, transport errors unless retryablehttp considers them
// unrecoverable (bad scheme, redirect loops, untrusted certificates).
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return true
	}
	retry, checkErr := retryablehttp.DefaultRetryPolicy(context.Background(), nil, err)
	return retry && checkErr == nil
}

// Timeouts bound each single request; they do not add up across retries.
type Timeouts struct {
	API      time.Duration
	Metadata time.Duration
	Chunk    time.Duration
}

// DefaultTimeouts ...
func DefaultTimeouts() Timeouts {
	return Timeouts{
		API:      10 * time.Second,
		Metadata: 5 * time.Second,
		Chunk:    60 * time.Second,
	}
}
