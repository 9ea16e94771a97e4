package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	envFile   string
	debug     bool
	analytics bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "tusupload",
		Short: "Resumable chunked uploads",
		Long: `Uploads files to the upload service in chunks. An interrupted upload of the
same file is resumed from where the service left off.

Configuration is read from the environment (TUSUPLOAD_* variables), an optional
.env file is loaded first.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "File with environment variables, ignored when missing")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logs")
	cmd.PersistentFlags().BoolVar(&opts.analytics, "analytics", false, "Send upload analytics events")

	cmd.AddCommand(newUploadCmd(opts))
	cmd.AddCommand(newCacheCmd(opts))

	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger(debug bool) log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(debug)
	return logger
}
