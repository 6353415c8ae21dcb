package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the shared bundle",
	Long: `Ask the running daemon to reload its shared bundle. New sessions use the
reloaded bundle; running sessions are notified and keep theirs.`,
	Args: cobra.NoArgs,
	RunE: runReload,
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	if err := newAPIClient(cfg).do(ctx, http.MethodPost, "/api/reload", nil); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Bundle reloaded"))
	return nil
}
