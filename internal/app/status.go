package app

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/theme"
)

func (a *App) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the local mirror holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			counts, err := st.CountMessages(ctx)
			if err != nil {
				return err
			}
			latest, ok, err := st.MaxLastIndexed(ctx)
			if err != nil {
				return err
			}

			lastSync := "never"
			if ok {
				lastSync = fmt.Sprintf("%s (%s)", latest.Local().Format(time.DateTime), humanize.Time(latest))
			}

			rows := []string{
				theme.LabelStyle.Render("database") + a.cfg.DatabasePath(),
				theme.LabelStyle.Render("provider") + a.cfg.Provider,
				theme.LabelStyle.Render("messages") + humanize.Comma(int64(counts.Total)),
				theme.LabelStyle.Render("unread") + humanize.Comma(int64(counts.Unread)),
				theme.LabelStyle.Render("deleted") + humanize.Comma(int64(counts.Deleted)),
				theme.LabelStyle.Render("last indexed") + lastSync,
			}
			fmt.Fprintln(a.Stdout, theme.PanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
			return nil
		},
	}
}
