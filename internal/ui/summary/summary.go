// Package summary renders the end-of-run report.
package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// maxListedIDs caps how many failed ids are printed per category.
const maxListedIDs = 10

// Render formats s as a bordered block.
func Render(s *sync.Summary) string {
	title := theme.HeaderStyle.Render(fmt.Sprintf("mailsync %s sync", s.Mode))

	rows := []string{
		row("run", s.RunID),
		row("result", theme.StateStyle(s.State.String()).Render(result(s))),
		row("started", fmt.Sprintf("%s (%s)", s.Started.Format(time.DateTime), humanize.Time(s.Started))),
		row("duration", s.Duration.Round(time.Millisecond).String()),
		"",
		count("queued", "", s.Queued),
		count("created", "created", s.Created),
		count("updated", "updated", s.Updated),
		count("skipped", "skipped", s.Skipped),
		count("failed", "failed", s.Failed),
		count("store failed", "store-failed", s.StoreFailed),
		count("cancelled", "cancelled", s.Cancelled),
		count("deleted", "deleted", s.Deleted),
	}

	if len(s.FailedIDs) > 0 {
		rows = append(rows, "", row("failed ids", listIDs(s.FailedIDs)))
	}
	if len(s.StoreFailedIDs) > 0 {
		rows = append(rows, row("unsaved ids", listIDs(s.StoreFailedIDs)))
	}
	if s.Err != nil {
		rows = append(rows, "", theme.WarnStyle.Render("error: "+s.Err.Error()))
	}

	body := theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func result(s *sync.Summary) string {
	switch s.ExitCode() {
	case sync.ExitOK:
		return "complete"
	case sync.ExitPartial:
		return "completed with failures"
	case sync.ExitInterrupted:
		return "interrupted"
	}
	return "aborted"
}

func row(label, value string) string {
	return theme.LabelStyle.Render(label) + value
}

func count(label, outcome string, n int) string {
	value := humanize.Comma(int64(n))
	if n > 0 && outcome != "" {
		value = theme.OutcomeStyle(outcome).Render(value)
	}
	return row(label, value)
}

func listIDs(ids []string) string {
	if len(ids) <= maxListedIDs {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s and %s more",
		strings.Join(ids[:maxListedIDs], ", "),
		humanize.Comma(int64(len(ids)-maxListedIDs)))
}
