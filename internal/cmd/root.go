package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/logging"
)

// CLI represents the command-line interface structure
type CLI struct {
	Version     kong.VersionFlag `help:"Show version information"`
	Debug       bool             `help:"Enable debug logging to file" short:"d"`
	DebugFile   string           `help:"Custom path for debug log file (disables automatic cleanup)"`
	MaxLogFiles int              `help:"Maximum number of log files to keep (0 = unlimited)" default:"1000"`

	Serve    ServeCmd    `cmd:"" help:"Start the SSH control server (default)" default:"1"`
	Run      RunCmd      `cmd:"run" help:"Submit one prompt and stream the agent's output"`
	History  HistoryCmd  `cmd:"history" help:"Show finished commands (list, stats)"`
	Settings SettingsCmd `cmd:"settings" help:"Manage settings (show, meta)"`

	// Internal fields (not flags)
	Container *Container       `kong:"-"`
	out       io.Writer        `kong:"-"`
	settings  *config.Settings `kong:"-"`
}

// SetSettings sets the settings on the CLI struct
func (c *CLI) SetSettings(settings *config.Settings) {
	c.settings = settings
}

// AfterApply initializes logging after CLI parsing and applies settings
func (c *CLI) AfterApply() error {
	// Precedence: CLI flags > env vars > settings.json > defaults

	if c.settings != nil {
		if c.MaxLogFiles == logging.DefaultMaxLogFiles {
			if _, hasEnv := os.LookupEnv("TETHER_MAX_LOG_FILES"); !hasEnv {
				if c.settings.MaxLogFiles != nil {
					c.MaxLogFiles = *c.settings.MaxLogFiles
				}
			}
		}

		if !c.Debug {
			if _, hasEnv := os.LookupEnv("TETHER_DEBUG"); !hasEnv {
				if c.settings.Debug != nil && *c.settings.Debug {
					c.Debug = true
				}
			}
		}
	}

	logFilePath, err := logging.Initialize(c.Debug, c.DebugFile, c.MaxLogFiles)
	if err != nil {
		return err
	}

	// Agent processes inherit these and log to the same file
	if c.Debug || c.DebugFile != "" {
		os.Setenv("TETHER_DEBUG", "1")
		if logFilePath != "" {
			os.Setenv("TETHER_DEBUG_FILE", logFilePath)
		}
	}
	if c.MaxLogFiles != logging.DefaultMaxLogFiles {
		os.Setenv("TETHER_MAX_LOG_FILES", fmt.Sprintf("%d", c.MaxLogFiles))
	}

	// The history store logs through gorm, so logging must exist first
	container, err := NewContainer(c.effectiveSettings())
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	c.Container = container

	return nil
}

// Close closes all resources held by the CLI
func (c *CLI) Close() error {
	if c.Container != nil {
		return c.Container.Close()
	}
	return nil
}

func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

func (c *CLI) effectiveSettings() *config.Settings {
	if c.settings == nil {
		return &config.Settings{}
	}
	return c.settings
}
