package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/theme"
)

// SettingsCmd manages settings
type SettingsCmd struct {
	Meta SettingsMetaCmd `cmd:"meta" help:"Show settings file location and available options" default:"1"`
	Show SettingsShowCmd `cmd:"show" help:"Show the settings loaded from the settings file"`
}

// SettingsMetaCmd displays settings metadata
type SettingsMetaCmd struct {
	Format string `help:"Output format: table or json" enum:"table,json" default:"table"`
}

// Run executes the meta command
func (s *SettingsMetaCmd) Run(cli *CLI) error {
	settingsFile := config.GetSettingsPath()
	example := config.GetSettingsExample()
	w := cli.stdout()

	if s.Format == "json" {
		output := map[string]any{
			"settings_file": settingsFile,
			"format":        example,
		}
		data, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "Settings file: %s\n\n", settingsFile)
	fmt.Fprintln(w, theme.SubtitleStyle.Render("Example settings.json:"))
	fmt.Fprintln(w)

	keys := make([]string, 0, len(example))
	for key := range example {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, key := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", theme.LabelStyle.Render(key), formatExampleValue(example[key]))
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, theme.MutedStyle.Render("Create or edit this file to configure tether."))
	fmt.Fprintln(w, theme.MutedStyle.Render("All settings are optional and have sensible defaults."))

	return nil
}

func formatExampleValue(value any) string {
	switch v := value.(type) {
	case []string:
		data, _ := json.Marshal(v)
		return string(data)
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SettingsShowCmd prints the loaded settings
type SettingsShowCmd struct{}

// Run executes the show command
func (s *SettingsShowCmd) Run(cli *CLI) error {
	return writeSettings(cli.stdout(), config.GetSettingsPath(), cli.effectiveSettings())
}

func writeSettings(w io.Writer, path string, settings *config.Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	fmt.Fprintf(w, "# %s\n", path)
	fmt.Fprintln(w, string(data))
	return nil
}
