// Package theme holds the terminal styles shared by the progress view and
// the run summary.
package theme

import "github.com/charmbracelet/lipgloss"

// Palette. Each pair is (dark background, light background).
var (
	ColorAccent = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorOK     = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorBad    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorWarn   = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorCancel = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorSkip   = lipgloss.AdaptiveColor{Dark: "#CC5DE8", Light: "#805AD5"}
	ColorMuted  = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorTitle  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorEdge   = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

var (
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorTitle).Background(ColorAccent).Padding(0, 1)
	PanelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorEdge).Padding(0, 1)

	// LabelStyle pads the key column of summary and status rows.
	LabelStyle = lipgloss.NewStyle().Foreground(ColorMuted).Width(14)

	HelpStyle = lipgloss.NewStyle().Foreground(ColorMuted).Italic(true)
	WarnStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorWarn)
)

var outcomeColors = map[string]lipgloss.AdaptiveColor{
	"created":      ColorOK,
	"updated":      ColorAccent,
	"skipped":      ColorSkip,
	"deleted":      ColorSkip,
	"failed":       ColorBad,
	"store-failed": ColorBad,
	"cancelled":    ColorCancel,
}

// OutcomeStyle colors a per-message outcome or counter name.
func OutcomeStyle(outcome string) lipgloss.Style {
	c, ok := outcomeColors[outcome]
	if !ok {
		c = ColorMuted
	}
	return lipgloss.NewStyle().Bold(true).Foreground(c)
}

// StateStyle colors a run state name. Running states share the accent.
func StateStyle(state string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch state {
	case "done":
		return s.Foreground(ColorOK)
	case "aborted":
		return s.Foreground(ColorBad)
	case "idle":
		return s.Foreground(ColorMuted)
	}
	return s.Foreground(ColorAccent)
}
