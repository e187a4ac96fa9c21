package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/thebenlamm/nanobot/internal/config"
	"github.com/thebenlamm/nanobot/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, snap := resolveSnapshot()
			cfg := snap.Config()
			store, closePersister, err := openSessions(cmd.Context(), cfg, config.ExpandHome(cfg.Agent.Workspace))
			if err != nil {
				return err
			}
			if closePersister != nil {
				defer closePersister()
			}
			infos := store.List()
			sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
			printSessions(os.Stdout, infos, time.Now())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <key>",
		Short: "Clear the history of one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessions.ParseKey(args[0])
			if err != nil {
				return err
			}
			_, snap := resolveSnapshot()
			cfg := snap.Config()
			ctx := cmd.Context()
			store, closePersister, err := openSessions(ctx, cfg, config.ExpandHome(cfg.Agent.Workspace))
			if err != nil {
				return err
			}
			if closePersister != nil {
				defer closePersister()
			}
			store.Reset(id)
			if err := store.Flush(ctx, id); err != nil {
				return err
			}
			fmt.Printf("reset %s\n", id.Key())
			return nil
		},
	})
	return cmd
}

// printSessions writes an aligned table. Thread ids can hold wide runes
// (group names, CJK chat titles), so widths are measured in cells.
func printSessions(w io.Writer, infos []sessions.Info, now time.Time) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	header := []string{"KEY", "TURNS", "UPDATED"}
	rows := [][]string{header}
	for _, in := range infos {
		rows = append(rows, []string{
			runewidth.Truncate(in.Identity.Key(), 60, "…"),
			fmt.Sprint(in.Turns),
			humanAge(now.Sub(in.Updated)),
		})
	}

	widths := make([]int, len(header))
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, r := range rows {
		cells := make([]string, len(r))
		for i, cell := range r {
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
