package cli

import "github.com/charmbracelet/lipgloss"

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E7D32")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9A825")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#C62828")).Bold(true)
	labelStyle = lipgloss.NewStyle().Bold(true)
)

// stateStyle colors bridge and session states.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running", "connected", "active", "ready":
		return okStyle
	case "connecting", "evicted", "starting":
		return warnStyle
	default:
		return errStyle
	}
}
