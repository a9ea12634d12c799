package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer this store account's purchases to the customer",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		if _, err := ensureSession(cmd, app); err != nil {
			return err
		}

		status, err := app.Engine.RequestTransferOwnership(cmd.Context())
		if err != nil {
			return err
		}
		switch status {
		case domain.TransferAcknowledged:
			fmt.Println("Transfer acknowledged.")
		case domain.TransferDelayed:
			fmt.Println("Transfer accepted; it settles in the background.")
		default:
			fmt.Printf("Transfer status: %s\n", status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(transferCmd)
}
