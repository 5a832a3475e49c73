// Package cmd implements the CLI commands for jithlsd.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jithlsd",
	Short: "Just-in-time HLS transcoding daemon",
	Long: `jithlsd serves HLS playlists and segments for on-demand video,
transcoding each segment the first time it is requested and caching the
result permanently on disk.

Configuration is read from --config (or, when it is not given, config.yaml
in ./ or /etc/jithls); JITHLS_-prefixed environment variables take
precedence over the file:

  JITHLS_ENGINE_HLS_TEMP_DIR           output segment/playlist cache root
  JITHLS_ENGINE_MEDIA_SOURCE_DIR       source media lookup root
  JITHLS_ENGINE_ENCODER                auto | nvenc | qsv | cpu
  JITHLS_ENGINE_PREFETCH_ENABLED       enable background prefetch
  JITHLS_ENGINE_PREFETCH_COUNT         segments to prefetch ahead
  JITHLS_ENGINE_MAX_CONCURRENT_PREFETCH  prefetch concurrency cap
  JITHLS_ENGINE_SEGMENT_DURATION_SECONDS  target segment length
  JITHLS_SERVER_ADDR                   HTTP listen address`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional)")
}
