package app

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/stacklok/feed-preload/internal/preload"
	"github.com/stacklok/feed-preload/internal/status"
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
)

// writeSummary prints the outcome of a run. st is nil when the run never started.
func writeSummary(w io.Writer, st *status.RunStatus, err error) {
	var lines []string
	switch preload.ExitCode(err) {
	case preload.ExitSuccess:
		lines = append(lines, successStyle.Render("Feed preload complete"))
	case preload.ExitInterrupted:
		lines = append(lines, warningStyle.Render("Feed preload interrupted"))
	default:
		lines = append(lines, errorStyle.Render("Feed preload failed"))
	}

	if st != nil {
		lines = append(lines, row("Run", st.RunID))
		if st.Poll != nil {
			lines = append(lines,
				row("Feed groups", fmt.Sprintf("%d/%d synced", st.Poll.GroupsSynced, st.Poll.GroupsTotal)),
				row("Polling", fmt.Sprintf("%d cycles, %s, %s", st.Poll.Cycles,
					(time.Duration(st.Poll.ElapsedSeconds)*time.Second).String(), st.Poll.State)),
			)
		}
		if st.Artifact != nil {
			lines = append(lines, row("Export", fmt.Sprintf("%s (%d bytes)", st.Artifact.Path, st.Artifact.SizeBytes)))
			if st.Artifact.ImageTarball != "" {
				lines = append(lines, row("Image", fmt.Sprintf("%s %s -> %s",
					st.Artifact.Image, st.Artifact.ImageDigest, st.Artifact.ImageTarball)))
			}
		}
		if st.Phase.Terminal() && st.Message != "" && err != nil {
			lines = append(lines, row("Stopped", st.Message))
		}
	}

	if err != nil {
		lines = append(lines, row("Cause", err.Error()))
	}

	_, _ = fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}
