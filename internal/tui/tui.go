// Package tui runs the Bubble Tea reviewer dashboard.
package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/sqlgate/internal/tui/components"
	"github.com/Dicklesworthstone/sqlgate/internal/tui/dashboard"
)

// Options configures the TUI.
type Options struct {
	dashboard.Options
	// Palette is "mocha" (default) or "latte".
	Palette      string
	DisableMouse bool
	// AltScreen draws on the alternate screen buffer.
	AltScreen bool
}

// ErrNoSource is returned when Options has no data source.
var ErrNoSource = errors.New("tui: no data source")

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if opts.Source == nil {
		return ErrNoSource
	}
	if opts.Palette != "" {
		components.SetPalette(opts.Palette)
	}

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	if !opts.DisableMouse {
		progOpts = append(progOpts, tea.WithMouseCellMotion())
	}

	p := tea.NewProgram(dashboard.New(ctx, opts.Options), progOpts...)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
