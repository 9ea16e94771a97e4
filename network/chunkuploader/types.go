// Package chunkuploader streams a local file to a resumable upload session,
// one chunk at a time, recovering from failed writes by asking the service how
// much it has already stored.
package chunkuploader

import (
	"context"
	"errors"
	"time"
)

// ErrStalled is returned when the transfer stops making progress before the
// whole file has been stored.
var ErrStalled = errors.New("upload stalled")

// Session is the remote side of a transfer.
type Session interface {
	// Offset returns the number of bytes the service has stored, 0 when unknown.
	Offset(ctx context.Context, sessionURL string) int64

	// WriteChunk makes a single attempt to append chunk at offset and returns
	// the offset acknowledged by the service.
	WriteChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error)
}

// ChunkProvider reads the source file by position.
type ChunkProvider interface {
	// ChunkAt returns up to size bytes starting at offset, an empty slice at
	// the end of the data.
	ChunkAt(offset, size int64) ([]byte, error)
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	SessionURL string
	Previous   int64
	Offset     int64
	Total      int64
	Took       time.Duration
	// Recovered is set when the acknowledgment got lost and the offset was
	// learned from an offset query instead.
	Recovered bool
}

// Result describes a finished transfer.
type Result struct {
	Offset   int64
	Total    int64
	Resumed  bool
	Chunks   int64
	Duration time.Duration
}
