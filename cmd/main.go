package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/renato0307/tether/internal/cmd"
	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/theme"
	"github.com/renato0307/tether/internal/version"
)

func main() {
	// Load settings from ~/.tether/settings.json
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load settings: %v\n", err)
		settings = &config.Settings{}
	}

	// Container is created in CLI.AfterApply() after logging is initialized
	var cli cmd.CLI
	cli.SetSettings(settings)
	ctx := kong.Parse(&cli,
		kong.Name("tether"),
		kong.Description(version.Tagline),
		kong.Vars{
			"version": version.Info(),
		},
		kong.UsageOnError(),
		kong.Bind(&cli),
	)

	err = ctx.Run()
	cli.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", theme.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
