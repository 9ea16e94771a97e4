package chunkuploader

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileChunkProvider reads chunks from a file on disk.
// Every read seeks to the requested position, so a chunk can be read again
// after a failed write.
type FileChunkProvider struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileChunkProvider opens the file at path.
func NewFileChunkProvider(path string) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &FileChunkProvider{file: file}, nil
}

// ChunkAt reads up to size bytes starting at offset.
func (p *FileChunkProvider) ChunkAt(offset, size int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to position %d: %w", offset, err)
	}

	chunk := make([]byte, size)
	n, err := io.ReadFull(p.file, chunk)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read chunk at position %d: %w", offset, err)
	}
	return chunk[:n], nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
