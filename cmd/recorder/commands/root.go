package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skypro1111/pcm-recorder/internal/config"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "pcm-recorder"
	serviceVersion    = "1.0.0"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "recorder",
	Short: "PCM audio recorder",
	Long: `recorder captures raw PCM audio from a microphone, a UDP TLV stream or a
WebSocket client and turns each recording into a WAV file.

Finished recordings are kept in memory for download and can be delivered to a
directory, an S3 bucket or a webhook.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format (json, text, console)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(sendCmd)
}

// loadConfig reads the configuration file. A missing default file falls back
// to built-in defaults; a missing file named with --config is an error.
func loadConfig(cmd *cobra.Command) (*config.Holder, error) {
	if _, err := os.Stat(cfgFile); err != nil {
		if cmd.Flags().Changed("config") || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg := config.Default()
		if err := applyLogOverrides(cfg); err != nil {
			return nil, err
		}
		return config.NewHolder("", cfg), nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := applyLogOverrides(cfg); err != nil {
		return nil, err
	}
	return config.NewHolder(cfgFile, cfg), nil
}

func applyLogOverrides(cfg *config.Config) error {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging flags: %w", err)
	}
	return nil
}

// setup loads configuration and creates the logger shared by all commands
func setup(cmd *cobra.Command) (*config.Holder, *slog.Logger, *slog.LevelVar, error) {
	holder, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	level := new(slog.LevelVar)
	logger := initLogger(holder.Get().Logging, level)

	return holder, logger, level, nil
}
