package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemokit/mnemo/internal/config"
	"github.com/mnemokit/mnemo/internal/daemon"
	"github.com/mnemokit/mnemo/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Mnemo daemon service",
	Long: `Start the Mnemo daemon service in the foreground.
The daemon serves session history and conversational turns over the
gateway until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Root().PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.ProcessRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	cmd.Println("Mnemo daemon started. Press Ctrl+C to stop.")

	// Blocks until SIGINT or SIGTERM, then shuts the daemon down.
	d.Wait()

	return nil
}

// loggerConfig maps the logging config section onto the logger's config.
func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:     cfg.Level,
		File:      cfg.File,
		Console:   cfg.Console,
		Pretty:    cfg.Pretty,
		Redaction: cfg.Redaction,
		MaxSize:   cfg.MaxSize,
		MaxAge:    cfg.MaxAge,
		Compress:  cfg.Compress,
	}
}
