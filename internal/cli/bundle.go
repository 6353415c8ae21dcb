package cli

import (
	"fmt"

	"github.com/harun/tether/pkg/bundle"
	"github.com/spf13/cobra"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage the local bundle overlay",
	Long: `Inspect and edit the local bundle overlay (bundle.yaml). A running daemon
watching the overlay reloads the shared bundle after every change.`,
}

var bundleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the overlay and its includes",
	Args:  cobra.NoArgs,
	RunE:  runBundleShow,
}

var bundleAddCmd = &cobra.Command{
	Use:   "add <uri>",
	Short: "Include a bundle in the overlay, creating the overlay if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleAdd,
}

var bundleRemoveCmd = &cobra.Command{
	Use:   "remove <uri>",
	Short: "Drop a bundle from the overlay",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleRemove,
}

func init() {
	bundleCmd.AddCommand(bundleShowCmd, bundleAddCmd, bundleRemoveCmd)
	rootCmd.AddCommand(bundleCmd)
}

func loadOverlay() (*bundle.Overlay, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bundle.NewOverlay(cfg.Bundle.OverlayDir), nil
}

func runBundleShow(cmd *cobra.Command, args []string) error {
	overlay, err := loadOverlay()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	doc, err := overlay.Read()
	if err != nil {
		return err
	}
	if doc == nil {
		fmt.Fprintf(out, "No overlay at %s; sessions use the default bundle\n", overlay.Path())
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Overlay:"), overlay.Path())
	fmt.Fprintf(out, "Name: %s\n", doc.Bundle.Name)
	if doc.Bundle.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", doc.Bundle.Version)
	}
	uris := doc.URIs()
	if len(uris) == 0 {
		fmt.Fprintln(out, "Includes: none")
		return nil
	}
	fmt.Fprintln(out, "Includes:")
	for _, uri := range uris {
		fmt.Fprintf(out, "  - %s\n", uri)
	}
	return nil
}

func runBundleAdd(cmd *cobra.Command, args []string) error {
	overlay, err := loadOverlay()
	if err != nil {
		return err
	}
	if _, err := overlay.Ensure(args[0]); err != nil {
		return fmt.Errorf("failed to update overlay: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Included %s\n", args[0])
	return nil
}

func runBundleRemove(cmd *cobra.Command, args []string) error {
	overlay, err := loadOverlay()
	if err != nil {
		return err
	}
	if !overlay.Exists() {
		return fmt.Errorf("no overlay at %s", overlay.Path())
	}
	if err := overlay.RemoveInclude(args[0]); err != nil {
		return fmt.Errorf("failed to update overlay: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
