package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
)

// FileStore keeps one file per fingerprint in a flat directory.
// The file holds the session URL, its modification time is the entry's creation time.
type FileStore struct {
	dir         string
	ttl         time.Duration
	fileManager fileutil.FileManager
	logger      log.Logger
	now         func() time.Time
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string, ttl time.Duration, logger log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &FileStore{
		dir:         dir,
		ttl:         ttl,
		fileManager: fileutil.NewFileManager(),
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Get ...
func (s *FileStore) Get(_ context.Context, fingerprint string) (string, bool) {
	if err := validateFingerprint(fingerprint); err != nil {
		s.logger.Warnf("Session cache lookup skipped: %s", err)
		return "", false
	}
	pth := s.path(fingerprint)

	info, err := os.Stat(pth)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf("Failed to stat session cache entry: %s", err)
		}
		return "", false
	}

	if expired(info.ModTime(), s.now(), s.ttl) {
		s.logger.Debugf("Session cache entry %s expired (created %s)", fingerprint, info.ModTime().Format(time.RFC3339))
		if err := s.fileManager.Remove(pth); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warnf("Failed to remove expired session cache entry: %s", err)
		}
		return "", false
	}

	content, err := os.ReadFile(pth)
	if err != nil {
		s.logger.Warnf("Failed to read session cache entry: %s", err)
		return "", false
	}

	sessionURL := strings.TrimSpace(string(content))
	if sessionURL == "" {
		return "", false
	}
	return sessionURL, true
}

// Set ...
func (s *FileStore) Set(_ context.Context, fingerprint, sessionURL string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	if err := s.fileManager.WriteBytes(s.path(fingerprint), []byte(sessionURL)); err != nil {
		return fmt.Errorf("write session cache entry: %w", err)
	}
	return nil
}

// Clear ...
func (s *FileStore) Clear(_ context.Context, fingerprint string) error {
	if err := validateFingerprint(fingerprint); err != nil {
		return err
	}
	if err := s.fileManager.Remove(s.path(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session cache entry: %w", err)
	}
	return nil
}

func (s *FileStore) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint)
}
