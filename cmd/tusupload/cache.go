package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/spf13/cobra"
)

const clearLong = `Forget the cached session of files, their next upload starts over.

The size of a remote file is read with a HEAD request. The file is only
downloaded when the server doesn't report its size.`

func newCacheCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached upload sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <path|url>...",
		Short: "Forget the cached session of files, their next upload starts over",
		Long:  clearLong,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(opts.debug)
			uploader, closeStore, err := newUploader(cmd.Context(), env.NewRepository(), &options{debug: opts.debug}, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, source := range args {
				if err := uploader.ClearSession(cmd.Context(), source); err != nil {
					return fmt.Errorf("clear session of %s: %w", source, err)
				}
				logger.Donef("Cleared cached session of %s", source)
			}
			return nil
		},
	})
	return cmd
}
