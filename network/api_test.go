package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-tusupload/internal/testing"
	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{ClientID: "client", ClientSecret: "secret"}

type recordedSleeps struct {
	waits []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func newTestClient(apiURL string, sleeps *recordedSleeps) *Client {
	logger := log.NewLogger()
	return NewClient(ClientParams{
		APIBaseURL: apiURL,
		RetryPolicy: retry.Policy{
			MaxAttempts: 5,
			Unit:        time.Second,
			Sleep:       sleeps.sleep,
			Logger:      logger,
		},
	}, logger)
}

func TestExchangeToken(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	client := newTestClient(svc.APIURL(), &recordedSleeps{})

	endpoint, err := client.ExchangeToken(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, svc.URL+"/files/", endpoint.URL)
	assert.Equal(t, "upload-token", endpoint.Token)
}

func TestExchangeToken_AccessDeniedIsNotRetried(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.DenyAccess = true
	sleeps := &recordedSleeps{}
	client := newTestClient(svc.APIURL(), sleeps)

	_, err := client.ExchangeToken(context.Background(), testCreds)
	require.ErrorIs(t, err, ErrAccountInaccessible)
	assert.Equal(t, 1, svc.Calls(testutil.OpToken))
	assert.Empty(t, sleeps.waits)
}

func TestExchangeToken_HTTP403IsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()
	client := newTestClient(server.URL, &recordedSleeps{})

	_, err := client.ExchangeToken(context.Background(), testCreds)
	require.ErrorIs(t, err, ErrAccountInaccessible)
	assert.Equal(t, 1, calls)
}

func TestExchangeToken_TransientFailuresAreRetried(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.TokenFailures = 2
	sleeps := &recordedSleeps{}
	client := newTestClient(svc.APIURL(), sleeps)

	_, err := client.ExchangeToken(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, 3, svc.Calls(testutil.OpToken))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.waits)
}

func TestExchangeToken_GivesUpAfterBudget(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.TokenFailures = 100
	client := newTestClient(svc.APIURL(), &recordedSleeps{})

	_, err := client.ExchangeToken(context.Background(), testCreds)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccountInaccessible)
	assert.Equal(t, 6, svc.Calls(testutil.OpToken))
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestNegotiate(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.CreateFailures = 1
	client := newTestClient(svc.APIURL(), &recordedSleeps{})

	session, err := client.Negotiate(context.Background(), testCreds, "movie.mp4", 1234)
	require.NoError(t, err)
	assert.Equal(t, svc.URL+"/files/sess1", session.URL)
	assert.Equal(t, int64(1234), session.TotalLength)
	assert.Equal(t, "sess1", session.ID())
	assert.Equal(t, 2, svc.Calls(testutil.OpCreate))

	upload, ok := svc.Upload("sess1")
	require.True(t, ok)
	assert.Equal(t, int64(1234), upload.Length)
	assert.Equal(t, "movie.mp4", upload.Metadata["name"])
	assert.Equal(t, "upload-token", upload.Metadata["token"])
}

func TestOffset_FailsOpen(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.HeadFailures = 100
	sleeps := &recordedSleeps{}
	client := newTestClient(svc.APIURL(), sleeps)

	offset := client.Offset(context.Background(), svc.URL+"/files/missing")
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, 6, svc.Calls(testutil.OpHead))
	assert.Len(t, sleeps.waits, 5)
}

type warningRecorder struct {
	log.Logger
	warnings []string
}

func (w *warningRecorder) Warnf(format string, v ...interface{}) {
	w.warnings = append(w.warnings, fmt.Sprintf(format, v...))
}

func TestOffset_DeletedSession(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	logger := &warningRecorder{Logger: log.NewLogger()}
	client := NewClient(ClientParams{
		APIBaseURL: svc.APIURL(),
		RetryPolicy: retry.Policy{
			MaxAttempts: 1,
			Unit:        time.Second,
			Sleep:       (&recordedSleeps{}).sleep,
			Logger:      logger,
		},
	}, logger)
	sessionURL := svc.URL + "/files/gone"

	assert.Equal(t, int64(0), client.Offset(context.Background(), sessionURL))
	assert.Contains(t, logger.warnings, "Upload session "+sessionURL+" no longer exists, clear its cached entry to start a new session")
}

func TestOffset(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	client := newTestClient(svc.APIURL(), &recordedSleeps{})
	session, err := client.Negotiate(context.Background(), testCreds, "a.bin", 10)
	require.NoError(t, err)

	next, err := client.WriteChunk(context.Background(), session.URL, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), next)
	assert.Equal(t, int64(5), client.Offset(context.Background(), session.URL))
}

func TestWriteChunk_OffsetConflict(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	client := newTestClient(svc.APIURL(), &recordedSleeps{})
	session, err := client.Negotiate(context.Background(), testCreds, "a.bin", 10)
	require.NoError(t, err)

	_, err = client.WriteChunk(context.Background(), session.URL, 3, []byte("hello"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestReap(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.DeleteFailures = 2
	client := newTestClient(svc.APIURL(), &recordedSleeps{})
	session, err := client.Negotiate(context.Background(), testCreds, "a.bin", 10)
	require.NoError(t, err)

	assert.True(t, client.Reap(context.Background(), session.URL))
	assert.Equal(t, 0, svc.UploadCount())
	assert.Equal(t, 3, svc.Calls(testutil.OpDelete))
}

func TestReap_FailureIsSwallowed(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.DeleteFailures = 100
	client := newTestClient(svc.APIURL(), &recordedSleeps{})

	assert.False(t, client.Reap(context.Background(), svc.URL+"/files/sess1"))
	assert.Equal(t, 6, svc.Calls(testutil.OpDelete))
}

func TestPoll_WaitsBaselinePlusBackoff(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	sleeps := &recordedSleeps{}
	client := newTestClient(svc.APIURL(), sleeps)
	session, err := client.Negotiate(context.Background(), testCreds, "a.bin", 5)
	require.NoError(t, err)
	_, err = client.WriteChunk(context.Background(), session.URL, 0, []byte("hello"))
	require.NoError(t, err)
	svc.PollFailures = 2

	id, err := client.Poll(context.Background(), testCreds, session.URL)
	require.NoError(t, err)
	assert.Equal(t, svc.DurableID("sess1"), id)
	assert.Equal(t, []time.Duration{11 * time.Second, 12 * time.Second}, sleeps.waits)
}

func TestPoll_Exhausted(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.PollFailures = 100
	client := newTestClient(svc.APIURL(), &recordedSleeps{})

	_, err := client.Poll(context.Background(), testCreds, svc.URL+"/files/sess9")
	require.EqualError(t, err, "file is still processing")
	assert.Equal(t, 6, svc.Calls(testutil.OpPoll))
}

func TestEncodeMetadata(t *testing.T) {
	got := encodeMetadata(map[string]string{"token": "abc", "name": "video.mp4"})
	assert.Equal(t, "name dmlkZW8ubXA0,token YWJj", got)
}

func TestSessionID(t *testing.T) {
	assert.Equal(t, "abc123", SessionID("https://up.example.com/files/abc123"))
	assert.Equal(t, "abc123", SessionID("https://up.example.com/files/abc123/"))
	assert.Equal(t, "abc123", SessionID("abc123"))
}

func TestResolveLocation(t *testing.T) {
	got, err := resolveLocation("https://up.example.com/files/", "/files/xyz")
	require.NoError(t, err)
	assert.Equal(t, "https://up.example.com/files/xyz", got)

	got, err = resolveLocation("https://up.example.com/files/", "https://cdn.example.com/files/xyz")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/files/xyz", got)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{StatusCode: 500, Message: "boom"}))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(&url.Error{Op: "Get", URL: "https://x", Err: errors.New("stopped after 10 redirects")}))
}

func TestCredentials(t *testing.T) {
	assert.True(t, Credentials{ClientID: "id"}.IsEmpty())
	assert.True(t, Credentials{ClientSecret: "s"}.IsEmpty())
	assert.False(t, testCreds.IsEmpty())
	assert.False(t, strings.Contains(testCreds.String(), "secret"))
}
