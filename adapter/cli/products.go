package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	catalog "github.com/felixgeelhaar/storeflow/internal/catalog/domain"
)

var (
	productIdentifiers []string
	productsAll        bool
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List catalog products with storefront pricing",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}

		var identifiers []string
		if len(productIdentifiers) > 0 {
			identifiers = productIdentifiers
		}
		products, err := app.Engine.GetProducts(cmd.Context(), identifiers, !productsAll)
		if err != nil {
			return err
		}

		if len(products) == 0 {
			fmt.Println("No products.")
			return nil
		}
		for _, p := range products {
			printProduct(p, "")
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List subscription groups with their plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := requireApp()
		if err != nil {
			return err
		}

		var identifiers []string
		if len(productIdentifiers) > 0 {
			identifiers = productIdentifiers
		}
		groups, err := app.Engine.GetSubscriptionGroups(cmd.Context(), identifiers, !productsAll)
		if err != nil {
			return err
		}

		if len(groups) == 0 {
			fmt.Println("No subscription groups.")
			return nil
		}
		for _, g := range groups {
			fmt.Printf("%s (%s)\n", g.Name, g.Identifier)
			for _, p := range g.Products {
				printProduct(p, "  ")
			}
		}
		return nil
	},
}

func printProduct(p catalog.Product, indent string) {
	price := p.PriceFormatted
	if price == "" {
		price = "-"
	}
	fmt.Printf("%s%s  %s  %s  [%s]\n", indent, p.Identifier, p.SKU, price, p.Status)
	if p.Subscription != nil {
		fmt.Printf("%s  renews every %d %s (level %d)\n",
			indent, p.Subscription.PeriodCount, p.Subscription.PeriodUnit, p.Subscription.GroupLevel)
		if p.Subscription.IntroductoryOffer != nil {
			o := p.Subscription.IntroductoryOffer
			fmt.Printf("%s  intro: %s (%s)\n", indent, o.PriceFormatted, o.Status)
		}
		for _, o := range p.Subscription.PromotionalOffers {
			fmt.Printf("%s  offer %s: %s (%s)\n", indent, o.Identifier, o.PriceFormatted, o.Status)
		}
	}
}

func init() {
	for _, cmd := range []*cobra.Command{productsCmd, groupsCmd} {
		cmd.Flags().StringSliceVar(&productIdentifiers, "identifier", nil, "filter by identifier (repeatable)")
		cmd.Flags().BoolVar(&productsAll, "all", false, "include unavailable products")
	}
	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(groupsCmd)
}
