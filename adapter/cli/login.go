package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <external-ref>",
	Short: "Resolve a customer on the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}

		customer, err := app.Engine.Login(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Logged in as %s\n", customer.ExternalRef)
		fmt.Printf("  customer id: %s\n", customer.ID)
		if customer.Forwarded {
			fmt.Println("  purchases are forwarded to another integration")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
