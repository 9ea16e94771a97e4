package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-tusupload/internal/testing"
	"github.com/bitrise-io/go-tusupload/network"
	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = network.Credentials{ClientID: "client", ClientSecret: "secret"}

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, Unit: time.Second, Sleep: noSleep, Logger: log.NewLogger()}
}

func newSession(t *testing.T, svc *testutil.Service, size int64) (*network.Client, network.Session) {
	t.Helper()
	client := network.NewClient(network.ClientParams{
		APIBaseURL:  svc.APIURL(),
		RetryPolicy: testPolicy(5),
	}, log.NewLogger())
	session, err := client.Negotiate(context.Background(), testCreds, "data.bin", size)
	require.NoError(t, err)
	return client, session
}

func newUploader(client *network.Client, chunkSize int64, progress *[]Progress) *Uploader {
	config := DefaultConfig()
	config.ChunkSize = chunkSize
	config.RetryPolicy = testPolicy(5)
	config.Retryable = network.IsRetryable
	if progress != nil {
		config.OnProgress = func(p Progress) { *progress = append(*progress, p) }
	}
	return New(config, client, log.NewLogger())
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestUploader_Upload_Success(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	data := testData(100)
	client, session := newSession(t, svc, 100)

	var progress []Progress
	result, err := newUploader(client, 64, &progress).Upload(context.Background(), newSliceProvider(data), session.URL, 100)
	require.NoError(t, err)

	assert.Equal(t, int64(100), result.Offset)
	assert.Equal(t, int64(2), result.Chunks)
	assert.False(t, result.Resumed)
	assert.Equal(t, 2, svc.Calls(testutil.OpPatch))
	assert.Equal(t, []int64{64, 100}, svc.AckedOffsets())

	require.Len(t, progress, 2)
	assert.Equal(t, int64(0), progress[0].Previous)
	assert.Equal(t, int64(64), progress[0].Offset)
	assert.Equal(t, int64(100), progress[1].Offset)

	upload, ok := svc.Upload(session.ID())
	require.True(t, ok)
	assert.Equal(t, data, upload.Data)
}

func TestUploader_Upload_RetriesDroppedWrites(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.PatchFaults = func(call int) testutil.PatchFault {
		if call <= 3 {
			return testutil.PatchDrop
		}
		return testutil.PatchOK
	}
	data := testData(100)
	client, session := newSession(t, svc, 100)

	result, err := newUploader(client, 64, nil).Upload(context.Background(), newSliceProvider(data), session.URL, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Offset)
	assert.Equal(t, 5, svc.Calls(testutil.OpPatch))
	assert.Equal(t, []int64{64, 100}, svc.AckedOffsets())

	upload, _ := svc.Upload(session.ID())
	assert.Equal(t, data, upload.Data)
}

func TestUploader_Upload_LostAcknowledgment(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.PatchFaults = func(call int) testutil.PatchFault {
		if call == 1 {
			return testutil.PatchLoseAck
		}
		return testutil.PatchOK
	}
	data := testData(100)
	client, session := newSession(t, svc, 100)

	var progress []Progress
	_, err := newUploader(client, 64, &progress).Upload(context.Background(), newSliceProvider(data), session.URL, 100)
	require.NoError(t, err)

	// The stored chunk is not sent again.
	assert.Equal(t, 2, svc.Calls(testutil.OpPatch))
	require.Len(t, progress, 2)
	assert.True(t, progress[0].Recovered)
	assert.Equal(t, int64(64), progress[0].Offset)
	assert.False(t, progress[1].Recovered)

	upload, _ := svc.Upload(session.ID())
	assert.Equal(t, data, upload.Data)
}

func TestUploader_Upload_Stalls(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	svc.PatchFaults = func(call int) testutil.PatchFault {
		if call == 1 {
			return testutil.PatchOK
		}
		return testutil.PatchDrop
	}
	client, session := newSession(t, svc, 100)

	result, err := newUploader(client, 64, nil).Upload(context.Background(), newSliceProvider(testData(100)), session.URL, 100)
	require.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "connection dropped")
	assert.Equal(t, int64(64), result.Offset)
	// One successful write, then the initial attempt and 5 retries of the second chunk.
	assert.Equal(t, 7, svc.Calls(testutil.OpPatch))
}

func TestUploader_Upload_ResumesFromServiceOffset(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	data := testData(100)
	client, session := newSession(t, svc, 100)

	_, err := client.WriteChunk(context.Background(), session.URL, 0, data[:40])
	require.NoError(t, err)

	result, err := newUploader(client, 64, nil).Upload(context.Background(), newSliceProvider(data), session.URL, 100)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, int64(1), result.Chunks)
	assert.Equal(t, []int64{40, 100}, svc.AckedOffsets())

	upload, _ := svc.Upload(session.ID())
	assert.Equal(t, data, upload.Data)
}

func TestUploader_Upload_AlreadyComplete(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	data := testData(10)
	client, session := newSession(t, svc, 10)
	_, err := client.WriteChunk(context.Background(), session.URL, 0, data)
	require.NoError(t, err)

	result, err := newUploader(client, 64, nil).Upload(context.Background(), newSliceProvider(data), session.URL, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Offset)
	assert.Equal(t, int64(0), result.Chunks)
	assert.Equal(t, 1, svc.Calls(testutil.OpPatch))
}

func TestUploader_Upload_SourceShorterThanDeclared(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	client, session := newSession(t, svc, 100)

	_, err := newUploader(client, 64, nil).Upload(context.Background(), newSliceProvider(testData(50)), session.URL, 100)
	require.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "source ended at 50 bytes")
}

type cancellingSession struct {
	Session
	cancel context.CancelFunc
}

func (s cancellingSession) WriteChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	s.cancel()
	return 0, context.Canceled
}

func TestUploader_Upload_Cancelled(t *testing.T) {
	svc := testutil.NewService("client", "secret")
	defer svc.Close()
	client, session := newSession(t, svc, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	uploader := New(Config{ChunkSize: 64, RetryPolicy: testPolicy(5)}, cancellingSession{Session: client, cancel: cancel}, log.NewLogger())

	_, err := uploader.Upload(ctx, newSliceProvider(testData(100)), session.URL, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProperty_OffsetsOnlyMoveForward(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("transfer completes with non-decreasing offsets despite faults", prop.ForAll(
		func(size int, chunkSize int, faults []int) bool {
			svc := testutil.NewService("client", "secret")
			defer svc.Close()
			svc.PatchFaults = func(call int) testutil.PatchFault {
				if call <= len(faults) {
					return testutil.PatchFault(faults[call-1])
				}
				return testutil.PatchOK
			}

			client := network.NewClient(network.ClientParams{APIBaseURL: svc.APIURL(), RetryPolicy: testPolicy(5)}, log.NewLogger())
			session, err := client.Negotiate(context.Background(), testCreds, "data.bin", int64(size))
			if err != nil {
				return false
			}

			data := testData(size)
			var seen []int64
			config := Config{
				ChunkSize:   int64(chunkSize),
				RetryPolicy: testPolicy(len(faults) + 1),
				Retryable:   network.IsRetryable,
				OnProgress:  func(p Progress) { seen = append(seen, p.Offset) },
			}
			result, err := New(config, client, log.NewLogger()).Upload(context.Background(), newSliceProvider(data), session.URL, int64(size))
			if err != nil || result.Offset != int64(size) {
				return false
			}

			previous := int64(0)
			for _, offset := range seen {
				if offset < previous {
					return false
				}
				previous = offset
			}

			upload, ok := svc.Upload(session.ID())
			return ok && bytes.Equal(upload.Data, data)
		},
		gen.IntRange(1, 500),
		gen.IntRange(1, 300),
		gen.SliceOfN(12, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
