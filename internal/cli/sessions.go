package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/harun/tether/pkg/sessionindex"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	sessionsState string
	sessionsLimit int
	sessionsJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List indexed sessions",
	Long: `List sessions recorded in the session index, most recently updated
first. Works whether or not the daemon is running.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "filter by state (active, evicted, ended)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to list, 0 for all")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	state := sessionindex.State(sessionsState)
	switch state {
	case "", sessionindex.StateActive, sessionindex.StateEvicted, sessionindex.StateEnded:
	default:
		return fmt.Errorf("unknown state %q", sessionsState)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfg.Sessions.IndexPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No sessions recorded yet")
		return nil
	}
	index, err := sessionindex.Open(sessionindex.Config{DBPath: cfg.Sessions.IndexPath, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer index.Close()

	records, err := index.List(cmd.Context(), sessionindex.ListOptions{State: state, Limit: sessionsLimit})
	if err != nil {
		return err
	}

	if sessionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}
	fmt.Fprintln(out, renderSessions(records))
	return nil
}

func renderSessions(records []sessionindex.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ID,
			string(rec.State),
			rec.Surface,
			rec.WorkingDir,
			rec.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "STATE", "SURFACE", "WORKING DIR", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row >= 0 && col == 1 && row < len(rows) {
				return stateStyle(rows[row][1]).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Render()
}
