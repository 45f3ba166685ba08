package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/markb/tableside/internal/history"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recorded presence occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		room, _ := cmd.Flags().GetString("room")
		if room == "" {
			room = cfg.Presence.Room
		}

		store, err := history.Open(cmd.Context(), cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("failed to migrate history store: %w", err)
		}

		snaps, err := store.List(cmd.Context(), room, limit)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Printf("No snapshots recorded for room %q.\n", room)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RECORDED\tROOM\tCOUNT\tMEMBERS")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				s.RecordedAt.Local().Format(time.DateTime), s.Room, s.Count, strings.Join(s.Members, ","))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Number of snapshots to show")
	historyCmd.Flags().String("room", "", "Presence room (default from config)")
	rootCmd.AddCommand(historyCmd)
}
