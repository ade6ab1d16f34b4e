package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mikeyg42/motionclip/internal/config"
	"github.com/mikeyg42/motionclip/internal/recorder/pipeline"
)

// Exit codes.
const (
	exitOK                = 0
	exitUsage             = 1
	exitSourceUnavailable = 2
)

var (
	cfgFile string
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:   "motionclip",
		Short: "motionclip - motion-triggered clip recorder",
		Long: `motionclip watches a camera, video file or stream and writes a numbered
clip for every period of motion, including a few seconds before the motion
started and after it stopped.

Features:
  • Frame differencing motion detection
  • Optional region of interest and minimum motion area
  • Pre-roll and post-roll buffering
  • AVI (MJPG) or Matroska output
  • Optional SQL clip catalog and S3/MinIO archival`,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadConfig resolves defaults, the config file, the environment and flags.
func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		return exitSourceUnavailable
	default:
		return exitUsage
	}
}
