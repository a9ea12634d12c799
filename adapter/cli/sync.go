package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the entitlement cache from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		if _, err := ensureSession(cmd, app); err != nil {
			return err
		}

		if err := app.Engine.EnsureSync(cmd.Context(), syncForce); err != nil {
			return err
		}

		entitlements, err := app.Engine.GetAllEntitlements(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Synced: %d entitlements\n", len(entitlements))
		if app.Engine.IsForwardingEnabled() {
			fmt.Println("Purchases are forwarded to another integration.")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", true, "bypass the sync TTL")
	rootCmd.AddCommand(syncCmd)
}
