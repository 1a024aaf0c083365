package theme

import "github.com/charmbracelet/lipgloss"

// Color is an alias for lipgloss.Color for convenience
type Color = lipgloss.Color

// Brand colors
const (
	ColorPrimary   Color = "99" // Purple - app name, titles
	ColorSecondary Color = "86" // Cyan - subtitles
)

// Session state colors
const (
	ColorExited  Color = "8" // Gray - terminated
	ColorIdle    Color = "3" // Yellow - idle
	ColorWaiting Color = "1" // Red - awaiting approval
	ColorWorking Color = "2" // Green - busy or starting
)

// Item status colors
const (
	ColorCancelled Color = "245" // Light gray
	ColorCompleted Color = "2"   // Green
	ColorFailed    Color = "196" // Bright red
	ColorPending   Color = "241" // Gray
	ColorRunning   Color = "33"  // Blue
)

// UI semantic colors
const (
	ColorError  Color = "196" // Bright red
	ColorMuted  Color = "241" // Gray - secondary text
	ColorSubtle Color = "245" // Light gray - labels
)
