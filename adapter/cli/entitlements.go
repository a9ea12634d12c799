package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	entdomain "github.com/felixgeelhaar/storeflow/internal/entitlement/domain"
)

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "List the customer's entitlements",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		if _, err := ensureSession(cmd, app); err != nil {
			return err
		}

		entitlements, err := app.Engine.GetAllEntitlements(cmd.Context())
		if err != nil {
			return err
		}

		if len(entitlements) == 0 {
			fmt.Println("No entitlements.")
			return nil
		}
		now := time.Now()
		for _, e := range entitlements {
			printEntitlement(e, now)
		}
		return nil
	},
}

func printEntitlement(e entdomain.Entitlement, now time.Time) {
	switch e.Type {
	case entdomain.EntitlementOneTime:
		fmt.Printf("%s  one-time  quantity=%d\n", e.Product.Identifier, e.Item.Quantity)
	case entdomain.EntitlementSubscription:
		s := e.Subscription
		state := "expired"
		if s.Active(now) {
			state = "active"
		}
		fmt.Printf("%s  subscription  %s until %s\n",
			e.Product.Identifier, state, s.EndAt.Format(time.RFC3339))
		if s.AutoRenew {
			renew := e.RenewTargetProduct()
			fmt.Printf("  renews as %s\n", renew.Identifier)
		}
		if s.InGracePeriod {
			fmt.Println("  in grace period")
		}
		if s.InBillingIssue {
			fmt.Println("  billing issue")
		}
		if !s.ManagedByThisStoreAccount {
			fmt.Println("  managed elsewhere")
		}
	}
}

func init() {
	rootCmd.AddCommand(entitlementsCmd)
}
