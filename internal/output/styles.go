package output

import "github.com/charmbracelet/lipgloss"

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))   // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))  // blue
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))  // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250")) // light grey
)

// PrintSuccess writes a green summary line outside the live display.
func PrintSuccess(msg string) string {
	return successStyle.Render("✓ " + msg)
}

// PrintError writes a red summary line outside the live display.
func PrintError(msg string) string {
	return errorStyle.Render("✗ " + msg)
}
