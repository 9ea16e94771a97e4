package upload

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-tusupload/network"
	"github.com/bitrise-io/go-tusupload/network/chunkuploader"
	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-tusupload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultAPIBaseURL is where the token and fingerprint endpoints live.
const DefaultAPIBaseURL = "https://www.fembed.com/api/"

// DefaultSettleDelay is the wait between the last chunk and the first identifier
// query, the service needs some time to process the file.
const DefaultSettleDelay = 20 * time.Second

// Environment variables read by ConfigFromEnv, CacheConfigFromEnv and CredentialsFromEnv.
const (
	APIURLEnvKey       = "TUSUPLOAD_API_URL"
	ClientIDEnvKey     = "TUSUPLOAD_CLIENT_ID"
	ClientSecretEnvKey = "TUSUPLOAD_CLIENT_SECRET"
	ChunkSizeEnvKey    = "TUSUPLOAD_CHUNK_SIZE"
	MaxRetriesEnvKey   = "TUSUPLOAD_MAX_RETRIES"
	SettleDelayEnvKey  = "TUSUPLOAD_SETTLE_DELAY"
	ChunkTimeoutEnvKey = "TUSUPLOAD_CHUNK_TIMEOUT"

	CacheBackendEnvKey  = "TUSUPLOAD_CACHE_BACKEND"
	CacheDirEnvKey      = "TUSUPLOAD_CACHE_DIR"
	CacheTTLEnvKey      = "TUSUPLOAD_CACHE_TTL"
	CacheS3BucketEnvKey = "TUSUPLOAD_CACHE_S3_BUCKET"
	CacheS3PrefixEnvKey = "TUSUPLOAD_CACHE_S3_PREFIX"
	CacheS3RegionEnvKey = "TUSUPLOAD_CACHE_S3_REGION"
	AWSAccessKeyEnvKey  = "AWS_ACCESS_KEY_ID"
	AWSSecretKeyEnvKey  = "AWS_SECRET_ACCESS_KEY"
)

// Secret is a configuration value that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config holds configuration for the Uploader.
type Config struct {
	// APIBaseURL is the base of the token and fingerprint endpoints.
	APIBaseURL string

	// ChunkSize is the maximum number of bytes sent in a single write.
	// Default: 64 MiB
	ChunkSize int64

	// Timeouts bound single requests.
	Timeouts network.Timeouts

	// RetryPolicy is shared by every network operation, each call gets its own budget.
	RetryPolicy retry.Policy

	// PollBaseline is added to every backoff while waiting for the durable id.
	// Default: 10 seconds
	PollBaseline time.Duration

	// SettleDelay is waited after the transfer before the first identifier query.
	// Default: 20 seconds, 0 disables it.
	SettleDelay time.Duration

	// HTTPClient is used for protocol requests and source downloads.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:   DefaultAPIBaseURL,
		ChunkSize:    chunkuploader.DefaultChunkSize,
		Timeouts:     network.DefaultTimeouts(),
		RetryPolicy:  retry.DefaultPolicy(nil),
		PollBaseline: network.DefaultPollBaseline,
		SettleDelay:  DefaultSettleDelay,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies the variables that are set.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if apiURL := strings.TrimSpace(envRepo.Get(APIURLEnvKey)); apiURL != "" {
		config.APIBaseURL = apiURL
	}

	if raw := envRepo.Get(ChunkSizeEnvKey); raw != "" {
		size, err := chunkuploader.ParseChunkSize(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", ChunkSizeEnvKey, err)
		}
		config.ChunkSize = size
	}

	if raw := envRepo.Get(MaxRetriesEnvKey); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("%s: should be a non-negative number, got %q", MaxRetriesEnvKey, raw)
		}
		config.RetryPolicy.MaxAttempts = n
	}

	if raw := envRepo.Get(SettleDelayEnvKey); raw != "" {
		d, err := parseDuration(SettleDelayEnvKey, raw)
		if err != nil {
			return Config{}, err
		}
		config.SettleDelay = d
	}

	if raw := envRepo.Get(ChunkTimeoutEnvKey); raw != "" {
		d, err := parseDuration(ChunkTimeoutEnvKey, raw)
		if err != nil {
			return Config{}, err
		}
		if d == 0 {
			return Config{}, fmt.Errorf("%s: should be positive", ChunkTimeoutEnvKey)
		}
		config.Timeouts.Chunk = d
	}

	return config, nil
}

// CredentialsFromEnv ...
func CredentialsFromEnv(envRepo env.Repository) network.Credentials {
	return network.Credentials{
		ClientID:     strings.TrimSpace(envRepo.Get(ClientIDEnvKey)),
		ClientSecret: strings.TrimSpace(envRepo.Get(ClientSecretEnvKey)),
	}
}

// Cache backends.
const (
	CacheBackendFile   = "file"
	CacheBackendSQLite = "sqlite"
	CacheBackendS3     = "s3"
)

// CacheConfig selects and configures the session cache backend.
type CacheConfig struct {
	Backend string
	// Dir holds the cache files, or the database file of the sqlite backend.
	Dir string
	TTL time.Duration

	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3AccessKeyID     Secret
	S3SecretAccessKey Secret
}

// DefaultCacheConfig returns a file cache in the user's cache directory.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend: CacheBackendFile,
		Dir:     defaultCacheDir(),
		TTL:     sessioncache.DefaultTTL,
	}
}

// CacheConfigFromEnv ...
func CacheConfigFromEnv(envRepo env.Repository) (CacheConfig, error) {
	config := DefaultCacheConfig()

	if backend := strings.ToLower(strings.TrimSpace(envRepo.Get(CacheBackendEnvKey))); backend != "" {
		config.Backend = backend
	}
	if dir := envRepo.Get(CacheDirEnvKey); dir != "" {
		config.Dir = dir
	}
	if raw := envRepo.Get(CacheTTLEnvKey); raw != "" {
		d, err := parseDuration(CacheTTLEnvKey, raw)
		if err != nil {
			return CacheConfig{}, err
		}
		config.TTL = d
	}

	switch config.Backend {
	case CacheBackendFile, CacheBackendSQLite:
	case CacheBackendS3:
		config.S3Bucket = envRepo.Get(CacheS3BucketEnvKey)
		if config.S3Bucket == "" {
			return CacheConfig{}, fmt.Errorf("the variable '%s' is not defined", CacheS3BucketEnvKey)
		}
		config.S3Prefix = envRepo.Get(CacheS3PrefixEnvKey)
		config.S3Region = envRepo.Get(CacheS3RegionEnvKey)
		config.S3AccessKeyID = Secret(envRepo.Get(AWSAccessKeyEnvKey))
		config.S3SecretAccessKey = Secret(envRepo.Get(AWSSecretKeyEnvKey))
	default:
		return CacheConfig{}, fmt.Errorf("%s: unknown cache backend %q, use one of %s, %s or %s",
			CacheBackendEnvKey, config.Backend, CacheBackendFile, CacheBackendSQLite, CacheBackendS3)
	}

	return config, nil
}

// OpenStore creates the configured session cache. Stores holding resources
// implement io.Closer.
func OpenStore(ctx context.Context, config CacheConfig, logger log.Logger) (sessioncache.Store, error) {
	switch config.Backend {
	case "", CacheBackendFile:
		store, err := sessioncache.NewFileStore(config.Dir, config.TTL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case CacheBackendSQLite:
		if err := os.MkdirAll(config.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		store, err := sessioncache.NewSQLiteStore(filepath.Join(config.Dir, "sessions.db"), config.TTL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case CacheBackendS3:
		store, err := sessioncache.NewS3Store(ctx, sessioncache.S3Params{
			Bucket:          config.S3Bucket,
			Prefix:          config.S3Prefix,
			Region:          config.S3Region,
			AccessKeyID:     string(config.S3AccessKeyID),
			SecretAccessKey: string(config.S3SecretAccessKey),
		}, config.TTL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", config.Backend)
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tusupload")
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: should be a non-negative duration like 20s, got %q", key, raw)
	}
	return d, nil
}
