package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Uploader pushes a file to an upload session sequentially, resuming from the
// offset the service reports.
type Uploader struct {
	config  Config
	session Session
	logger  log.Logger
	stats   *Stats
}

// New creates a new Uploader writing to session.
func New(config Config, session Session, logger log.Logger) *Uploader {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Retryable == nil {
		config.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if config.RetryPolicy.Logger == nil {
		config.RetryPolicy.Logger = logger
	}

	return &Uploader{
		config:  config,
		session: session,
		logger:  logger,
		stats:   NewStats(),
	}
}

// Stats returns the transfer statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload sends the bytes of provider the service doesn't have yet. It returns
// once the acknowledged offset reaches total, or wraps ErrStalled together with
// the last write error when a chunk could not be stored within its retries.
func (u *Uploader) Upload(ctx context.Context, provider ChunkProvider, sessionURL string, total int64) (Result, error) {
	start := time.Now()

	offset := u.session.Offset(ctx, sessionURL)
	if offset > total {
		return Result{Offset: offset, Total: total}, fmt.Errorf("service reports %d bytes stored, more than the file size %d", offset, total)
	}

	result := Result{Total: total, Resumed: offset > 0}
	if result.Resumed {
		u.logger.Infof("Resuming upload at %s of %s", units.HumanSize(float64(offset)), units.HumanSize(float64(total)))
	}

	var lastErr error
	for offset < total {
		if err := ctx.Err(); err != nil {
			result.Offset = offset
			return result, err
		}

		chunk, err := provider.ChunkAt(offset, u.config.ChunkSize)
		if err != nil {
			result.Offset = offset
			return result, fmt.Errorf("read source: %w", err)
		}
		if len(chunk) == 0 {
			lastErr = fmt.Errorf("source ended at %d bytes, expected %d", offset, total)
			break
		}

		u.logger.Debugf("Uploading chunk at offset %d (%d bytes) [finished=%d] [avg=%v]",
			offset, len(chunk), u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		chunkStart := time.Now()
		next, recovered, err := u.writeChunk(ctx, sessionURL, offset, chunk)
		if err != nil {
			lastErr = err
		}
		if next <= offset {
			break
		}

		took := time.Since(chunkStart)
		u.stats.Update(took, next-offset)
		result.Chunks++
		if u.config.OnProgress != nil {
			u.config.OnProgress(Progress{
				SessionURL: sessionURL,
				Previous:   offset,
				Offset:     next,
				Total:      total,
				Took:       took,
				Recovered:  recovered,
			})
		}
		offset = next
	}

	result.Offset = offset
	result.Duration = time.Since(start)
	if offset == total {
		u.logger.Donef("Uploaded %s in %s (%d chunks)", units.HumanSize(float64(total)), result.Duration.Round(time.Millisecond), result.Chunks)
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("service acknowledged %d bytes, expected %d", offset, total)
	}
	return result, fmt.Errorf("%w at %d of %d bytes: %w", ErrStalled, offset, total, lastErr)
}

// writeChunk writes chunk at offset within the retry budget. When a write fails
// the service is asked for its offset; if it moved past offset the chunk was
// stored despite the error and the new offset is taken. Otherwise the same chunk
// is sent again, so the returned offset never goes backwards.
func (u *Uploader) writeChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, bool, error) {
	recovered := false
	next, err := retry.Do(ctx, u.config.RetryPolicy, "chunk write", func(ctx context.Context) (int64, error) {
		next, err := u.session.WriteChunk(ctx, sessionURL, offset, chunk)
		if err == nil {
			return next, nil
		}
		if !u.config.Retryable(err) {
			return offset, err
		}

		stored := u.session.Offset(ctx, sessionURL)
		if stored > offset {
			u.logger.Warnf("Chunk write at offset %d failed, but the service has %d bytes, continuing: %s", offset, stored, err)
			recovered = true
			return stored, nil
		}
		return offset, err
	}, u.config.Retryable)
	if err != nil {
		return offset, false, err
	}
	return next, recovered, nil
}
