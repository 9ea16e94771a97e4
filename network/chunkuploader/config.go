package chunkuploader

import (
	"fmt"

	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/docker/go-units"
)

// DefaultChunkSize is the largest chunk sent in one write.
const DefaultChunkSize int64 = 64 * units.MiB

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the maximum number of bytes sent in a single write.
	// Default: 64 MiB
	ChunkSize int64

	// RetryPolicy bounds the retries of a single chunk write.
	// Each chunk gets its own budget.
	RetryPolicy retry.Policy

	// Retryable classifies a failed write. Default: every error but a
	// cancelled context.
	Retryable retry.Classifier

	// OnProgress is called after every acknowledged chunk.
	OnProgress func(Progress)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		RetryPolicy: retry.DefaultPolicy(nil),
	}
}

// ParseChunkSize accepts human readable sizes like "64MiB" or "512kB" as well
// as plain byte counts.
func ParseChunkSize(s string) (int64, error) {
	size, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", s, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid chunk size %q: must be positive", s)
	}
	return size, nil
}
