package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
	"github.com/felixgeelhaar/storeflow/internal/purchase/domain"
)

var (
	purchaseOffer    string
	purchaseQuantity int
)

var purchaseCmd = &cobra.Command{
	Use:   "purchase <identifier>",
	Short: "Purchase a product through the platform storefront",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}
		if _, err := ensureSession(cmd, app); err != nil {
			return err
		}

		products, err := app.Engine.GetProducts(cmd.Context(), []string{args[0]}, false)
		if err != nil {
			return err
		}
		if len(products) == 0 {
			return fmt.Errorf("unknown product %q", args[0])
		}
		product := products[0]

		opts := domain.Options{Quantity: purchaseQuantity}
		if purchaseOffer != "" {
			offer := findOffer(product, purchaseOffer)
			if offer == nil {
				return fmt.Errorf("product %q has no offer %q", args[0], purchaseOffer)
			}
			opts.Offer = offer
		}

		err = app.Engine.PurchaseProduct(cmd.Context(), product, opts)
		switch {
		case err == nil:
			fmt.Printf("Purchased %s\n", product.Identifier)
			return nil
		case errors.Is(err, domain.ErrUserCanceled):
			fmt.Println("Purchase canceled.")
			return nil
		case errors.Is(err, domain.ErrPurchasePending):
			fmt.Println("Purchase awaiting approval; it completes in the background.")
			return nil
		default:
			return err
		}
	},
}

// findOffer resolves an offer identifier against the product's
// introductory and promotional offers.
func findOffer(product catalog.Product, identifier string) *catalog.SubscriptionOffer {
	if product.Subscription == nil {
		return nil
	}
	if intro := product.Subscription.IntroductoryOffer; intro != nil && intro.Identifier == identifier {
		return intro
	}
	for i := range product.Subscription.PromotionalOffers {
		if product.Subscription.PromotionalOffers[i].Identifier == identifier {
			return &product.Subscription.PromotionalOffers[i]
		}
	}
	return nil
}

func init() {
	purchaseCmd.Flags().StringVar(&purchaseOffer, "offer", "", "offer identifier to apply")
	purchaseCmd.Flags().IntVar(&purchaseQuantity, "quantity", 1, "quantity for multi-quantity products")
	rootCmd.AddCommand(purchaseCmd)
}
