// Package components holds the small rendering pieces the dashboard is
// built from.
package components

import "github.com/charmbracelet/lipgloss"

// Palette is the set of colors every component draws with.
type Palette struct {
	Base     lipgloss.Color
	Mantle   lipgloss.Color
	Surface0 lipgloss.Color
	Surface1 lipgloss.Color
	Overlay0 lipgloss.Color
	Text     lipgloss.Color
	Subtext  lipgloss.Color
	Blue     lipgloss.Color
	Mauve    lipgloss.Color
	Green    lipgloss.Color
	Yellow   lipgloss.Color
	Red      lipgloss.Color
	Peach    lipgloss.Color
}

// Mocha is the default dark palette.
var Mocha = Palette{
	Base:     lipgloss.Color("#1e1e2e"),
	Mantle:   lipgloss.Color("#181825"),
	Surface0: lipgloss.Color("#313244"),
	Surface1: lipgloss.Color("#45475a"),
	Overlay0: lipgloss.Color("#6c7086"),
	Text:     lipgloss.Color("#cdd6f4"),
	Subtext:  lipgloss.Color("#a6adc8"),
	Blue:     lipgloss.Color("#89b4fa"),
	Mauve:    lipgloss.Color("#cba6f7"),
	Green:    lipgloss.Color("#a6e3a1"),
	Yellow:   lipgloss.Color("#f9e2af"),
	Red:      lipgloss.Color("#f38ba8"),
	Peach:    lipgloss.Color("#fab387"),
}

// Latte is the light palette.
var Latte = Palette{
	Base:     lipgloss.Color("#eff1f5"),
	Mantle:   lipgloss.Color("#e6e9ef"),
	Surface0: lipgloss.Color("#ccd0da"),
	Surface1: lipgloss.Color("#bcc0cc"),
	Overlay0: lipgloss.Color("#9ca0b0"),
	Text:     lipgloss.Color("#4c4f69"),
	Subtext:  lipgloss.Color("#6c6f85"),
	Blue:     lipgloss.Color("#1e66f5"),
	Mauve:    lipgloss.Color("#8839ef"),
	Green:    lipgloss.Color("#40a02b"),
	Yellow:   lipgloss.Color("#df8e1d"),
	Red:      lipgloss.Color("#d20f39"),
	Peach:    lipgloss.Color("#fe640b"),
}

// Current is the palette in use.
var Current = Mocha

// SetPalette selects a palette by name. Unknown names keep the current one.
func SetPalette(name string) bool {
	switch name {
	case "mocha", "dark":
		Current = Mocha
	case "latte", "light":
		Current = Latte
	default:
		return false
	}
	return true
}

// KindColor picks the accent for a statement kind label.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "DELETE", "DDL":
		return Current.Red
	case "UPDATE":
		return Current.Peach
	case "INSERT":
		return Current.Yellow
	case "SELECT":
		return Current.Green
	default:
		return Current.Subtext
	}
}
