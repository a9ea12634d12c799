package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Upload a diagnostic bundle to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		// Best effort with or without a session; the bundle is
		// attributed to the customer when one is configured.
		if _, err := resolveCustomerRef(); err == nil {
			if _, err := ensureSession(cmd, app); err != nil {
				return err
			}
		}

		app.Engine.SendDiagnostics(cmd.Context())
		fmt.Println("Diagnostics upload queued.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diagnosticsCmd)
}
