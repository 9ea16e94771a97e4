package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

var (
	// ErrSourceNotFound ...
	ErrSourceNotFound = errors.New("Source File does not exist!")
	// ErrSourceEmpty ...
	ErrSourceEmpty = errors.New("Source File is empty")
)

// Source is a file ready to be uploaded.
type Source struct {
	// Origin is the source as the caller gave it.
	Origin      string
	Path        string
	Name        string
	Size        int64
	Fingerprint string

	tmpDir string
}

// Close removes the downloaded copy of a remote source.
func (s Source) Close() error {
	if s.tmpDir == "" {
		return nil
	}
	return os.RemoveAll(s.tmpDir)
}

// Fingerprint is the session cache key of a source: the md5 of the source string
// followed by its size.
func Fingerprint(source string, size int64) string {
	sum := md5.Sum([]byte(source + strconv.FormatInt(size, 10)))
	return hex.EncodeToString(sum[:])
}

// SourceResolver turns the source given by the caller into a local, non-empty file.
// Local paths may use the file:// scheme, http(s) URLs are downloaded to a
// temporary directory first.
type SourceResolver struct {
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	httpClient   *http.Client
	logger       log.Logger
}

// NewSourceResolver ...
func NewSourceResolver(
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	httpClient *http.Client,
	logger log.Logger,
) *SourceResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SourceResolver{
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// Resolve ...
func (r *SourceResolver) Resolve(ctx context.Context, source string) (Source, error) {
	if isRemote(source) {
		return r.download(ctx, source)
	}

	localPath := strings.TrimPrefix(source, fileScheme)
	if strings.TrimSpace(localPath) == "" {
		return Source{}, ErrSourceNotFound
	}
	absPath, err := r.pathModifier.AbsPath(localPath)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, err)
	}
	return r.local(source, absPath, "")
}

// Fingerprint returns the session cache key of a source. A remote source's size is
// taken from a HEAD request when the server reports it, so the file is only
// downloaded when there is no other way to learn its size.
func (r *SourceResolver) Fingerprint(ctx context.Context, source string) (string, error) {
	if isRemote(source) {
		if size, ok := r.remoteSize(ctx, source); ok {
			return Fingerprint(source, size), nil
		}
	}

	s, err := r.Resolve(ctx, source)
	if err != nil {
		return "", err
	}
	if err := s.Close(); err != nil {
		r.logger.Warnf("Failed to clean up downloaded source: %s", err)
	}
	return s.Fingerprint, nil
}

func (r *SourceResolver) remoteSize(ctx context.Context, source string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, nil)
	if err != nil {
		return 0, false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Debugf("HEAD %s: %s", source, err)
		return 0, false
	}
	if err := resp.Body.Close(); err != nil {
		r.logger.Printf(err.Error())
	}
	if resp.StatusCode != http.StatusOK || resp.ContentLength <= 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

func (r *SourceResolver) local(origin, path, tmpDir string) (Source, error) {
	exists, err := r.pathChecker.IsPathExists(path)
	if err != nil || !exists {
		return Source{}, ErrSourceNotFound
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Source{}, ErrSourceNotFound
	}
	if info.Size() == 0 {
		return Source{}, ErrSourceEmpty
	}

	return Source{
		Origin:      origin,
		Path:        path,
		Name:        filepath.Base(path),
		Size:        info.Size(),
		Fingerprint: Fingerprint(origin, info.Size()),
		tmpDir:      tmpDir,
	}, nil
}

func (r *SourceResolver) download(ctx context.Context, source string) (Source, error) {
	fileName, err := fileNameFromURL(source)
	if err != nil {
		return Source{}, fmt.Errorf("failed to extract filename from URL %s: %w", source, err)
	}

	tmpDir, err := r.pathProvider.CreateTempDir("tusupload")
	if err != nil {
		return Source{}, fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	r.logger.Infof("Downloading %s", source)
	downloader := got.New()
	downloader.Client = r.httpClient
	if err := downloader.Do(got.NewDownload(ctx, source, localPath)); err != nil {
		r.removeTempDir(tmpDir)
		return Source{}, fmt.Errorf("failed to download file from %s: %w", source, err)
	}

	s, err := r.local(source, localPath, tmpDir)
	if err != nil {
		r.removeTempDir(tmpDir)
		return Source{}, err
	}
	return s, nil
}

func (r *SourceResolver) removeTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warnf("Failed to remove %s: %s", dir, err)
	}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func fileNameFromURL(source string) (string, error) {
	parsed, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("no file name in URL path")
	}
	return name, nil
}
