package components

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

// SpinnerStyle selects a spinner animation.
type SpinnerStyle int

const (
	SpinnerStyleDots SpinnerStyle = iota
	SpinnerStyleLine
	SpinnerStyleMiniDot
	SpinnerStylePulse
	SpinnerStylePoints
)

// NewSpinner creates a spinner in the accent color.
func NewSpinner(style SpinnerStyle) spinner.Model {
	s := spinner.New()
	switch style {
	case SpinnerStyleLine:
		s.Spinner = spinner.Line
	case SpinnerStyleMiniDot:
		s.Spinner = spinner.MiniDot
	case SpinnerStylePulse:
		s.Spinner = spinner.Pulse
	case SpinnerStylePoints:
		s.Spinner = spinner.Points
	default:
		s.Spinner = spinner.Dot
	}
	s.Style = lipgloss.NewStyle().Foreground(Current.Mauve)
	return s
}

// LoadingSpinner is shown while data is fetched.
func LoadingSpinner() spinner.Model {
	s := NewSpinner(SpinnerStyleDots)
	s.Style = lipgloss.NewStyle().Foreground(Current.Blue)
	return s
}

// DecidingSpinner is shown while a decision is being recorded.
func DecidingSpinner() spinner.Model {
	s := NewSpinner(SpinnerStyleLine)
	s.Style = lipgloss.NewStyle().Foreground(Current.Yellow)
	return s
}

// SpinnerWithLabel renders a spinner followed by a label.
func SpinnerWithLabel(s spinner.Model, label string) string {
	return s.View() + " " + lipgloss.NewStyle().Foreground(Current.Text).Render(label)
}
