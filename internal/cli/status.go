package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/harun/tether/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the Tether daemon service, including
readiness, live sessions and chat bridge states.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := cfg.PIDFile()
	if !isRunning(pidFile) {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status:"), errStyle.Render("stopped"))
		return nil
	}
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	var status map[string]interface{}
	if err := newAPIClient(cfg).do(ctx, http.MethodGet, "/api/status", &status); err != nil {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status:"), warnStyle.Render("running (gateway unreachable)"))
		fmt.Fprintf(out, "PID: %d\n", pid)
		fmt.Fprintf(out, "Error: %v\n", err)
		return nil
	}
	printStatus(out, pid, status)
	return nil
}

func printStatus(out io.Writer, pid int, status map[string]interface{}) {
	state := "starting"
	if ready, _ := status["ready"].(bool); ready {
		state = "ready"
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Status:"), stateStyle(state).Render("running ("+state+")"))
	fmt.Fprintf(out, "PID: %d\n", pid)
	if secs, ok := status["uptime_seconds"].(float64); ok {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(secs)*time.Second))
	}
	if bundle, ok := status["bundle"].(string); ok {
		fmt.Fprintf(out, "Bundle: %s", bundle)
		if v, _ := status["bundle_version"].(string); v != "" {
			fmt.Fprintf(out, " (version %s)", v)
		}
		fmt.Fprintln(out)
	}
	if n, ok := status["sessions"].(float64); ok {
		fmt.Fprintf(out, "Sessions: %d\n", int(n))
	}
	if n, ok := status["clients"].(float64); ok {
		fmt.Fprintf(out, "Clients: %d\n", int(n))
	}

	bridges, _ := status["bridges"].(map[string]interface{})
	if len(bridges) == 0 {
		return
	}
	names := make([]string, 0, len(bridges))
	for name := range bridges {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, labelStyle.Render("Bridges:"))
	for _, name := range names {
		state := fmt.Sprint(bridges[name])
		fmt.Fprintf(out, "  %s: %s\n", name, stateStyle(state).Render(state))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
