package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-tusupload/sessioncache"
	"github.com/bitrise-io/go-tusupload/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

func newUploadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path|glob|url>...",
		Short: "Upload files and print one JSON result per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args, opts)
		},
	}
}

func runUpload(cmd *cobra.Command, args []string, opts *options) error {
	logger := newLogger(opts.debug)
	envRepo := env.NewRepository()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader, closeStore, err := newUploader(ctx, envRepo, opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sources := expandSources(args, pathutil.NewPathModifier(), logger)
	if len(sources) == 0 {
		return fmt.Errorf("no files match %s", strings.Join(args, ", "))
	}

	creds := upload.CredentialsFromEnv(envRepo)
	encoder := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for i, source := range sources {
		result := uploader.Run(ctx, upload.Request{SourcePath: source, Credentials: creds})
		if err := encoder.Encode(result); err != nil {
			return err
		}
		if result.Result != upload.ResultSuccess {
			failed++
		}
		if ctx.Err() != nil {
			failed += len(sources) - i - 1
			break
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(sources))
	}
	return nil
}

func newUploader(ctx context.Context, envRepo env.Repository, opts *options, logger log.Logger) (*upload.Uploader, func(), error) {
	config, err := upload.ConfigFromEnv(envRepo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cacheConfig, err := upload.CacheConfigFromEnv(envRepo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse cache config: %w", err)
	}
	logger.Debugf("Config: %+v", config)
	logger.Debugf("Cache config: %+v", cacheConfig)

	store, err := upload.OpenStore(ctx, cacheConfig, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session cache: %w", err)
	}

	listeners := upload.Listeners{upload.NewLogListener(logger)}
	var tracker *upload.TrackerListener
	if opts.analytics {
		tracker = upload.NewTrackerListener(envRepo, logger)
		listeners = append(listeners, tracker)
	}

	cleanup := func() {
		if tracker != nil {
			tracker.Wait()
		}
		closeStore(store, logger)
	}
	return upload.NewUploader(config, store, listeners, logger), cleanup, nil
}

func closeStore(store sessioncache.Store, logger log.Logger) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warnf("Failed to close session cache: %s", err)
	}
}

// expandSources keeps URLs and plain paths as they are and replaces glob
// patterns with their matches.
func expandSources(args []string, pathModifier pathutil.PathModifier, logger log.Logger) []string {
	var sources []string
	for _, arg := range args {
		if strings.Contains(arg, "://") || !strings.Contains(arg, "*") {
			sources = append(sources, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(arg)
		absBase, err := pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			logger.Warnf("Failed to resolve %s: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", arg, err)
			continue
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", arg)
			continue
		}

		for _, match := range matches {
			if info, err := os.Stat(filepath.Join(absBase, match)); err == nil && info.IsDir() {
				continue
			}
			sources = append(sources, filepath.Join(base, match))
		}
	}
	return sources
}
