package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thebranchdriftcatalyst/robot-console/internal/config"
)

var (
	// Version information (set via -ldflags)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"

	// CLI flags shared by every subcommand
	logLevel string
	host     string
	port     int
	timeout  time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "robot-console",
		Short: "Operator console for a network-attached mobile robot",
		Long: `robot-console drives a mobile robot over its HTTP control API.

The serve command runs the console: it polls the robot's status and script
runner, autosaves script edits and serves a REST and WebSocket surface for
operators. The remaining commands are one-shot calls against the robot.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flags.StringVar(&host, "host", "", "Robot host; overrides ROBOT_HOST")
	flags.IntVar(&port, "port", 0, "Robot API port; overrides ROBOT_PORT")
	flags.DurationVar(&timeout, "timeout", 0, "Request timeout; overrides REQUEST_TIMEOUT")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "robot-console %s\n", version)
			fmt.Fprintf(out, "  git commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  build date: %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(
		versionCmd,
		newServeCmd(),
		newStatusCmd(),
		newPingCmd(),
		newMoveCmd(),
		newRotateCmd(),
		newStopCmd(),
		newCameraCmd(),
		newScriptCmd(),
		newIPCmd(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies the persistent flags on top
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if host != "" {
		cfg.RobotHost = host
	}
	if port != 0 {
		cfg.RobotPort = port
	}
	if timeout != 0 {
		cfg.RequestTimeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging configures structured JSON logging
func setupLogging(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "robot-console").
		Logger()

	return logger
}

// setupCLILogging logs to stderr so that command output stays clean
func setupCLILogging(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" || lvl < zerolog.WarnLevel {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}
