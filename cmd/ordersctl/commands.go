package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/limestore/internal/bootstrap"
	"github.com/onnwee/limestore/internal/order"
	"github.com/onnwee/limestore/internal/validate"
)

const defaultListLimit = 20

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the order ledger and audit log schema",
		Long: `Apply the Postgres schema for the order ledger and the audit log.

The schema statements are idempotent, so running migrate against an
up-to-date database is a no-op. DATABASE_URL must be set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(a.configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrate")
			}
			// OpenStores migrates as part of connecting.
			stores, err := a.openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stores.Close()
			fmt.Fprintln(a.out, "schema is up to date")
			return nil
		},
	}
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-reference>",
		Short: "Print a single order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := validate.OrderReference(args[0])
			if err != nil {
				return err
			}
			_, stores, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()

			o, err := stores.Ledger.FindByReference(cmd.Context(), ref)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", ref, err)
			}
			return printOrder(a.out, o)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent paid orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			_, stores, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()

			orders, err := stores.Ledger.ListPaid(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list orders: %w", err)
			}
			return printOrderTable(a.out, orders)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", defaultListLimit, "maximum number of orders")
	return cmd
}

func reconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <order-reference>",
		Short: "Re-verify an order with its payment provider",
		Long: `Fetch the checkout status for an order from its payment provider and
mark the order paid if the provider reports a matching payment. Orders
that are already paid are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := validate.OrderReference(args[0])
			if err != nil {
				return err
			}
			cfg, stores, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer stores.Close()

			svc, err := bootstrap.NewServices(cfg, stores, nil)
			if err != nil {
				return err
			}
			res, err := svc.Engine.Reconcile(cmd.Context(), ref)
			if err != nil {
				return fmt.Errorf("failed to reconcile %s: %w", ref, err)
			}

			fmt.Fprintf(a.out, "%s: %s", ref, res.Outcome)
			if res.Detail != "" {
				fmt.Fprintf(a.out, " (%s)", res.Detail)
			}
			fmt.Fprintln(a.out)
			if res.Effects != nil {
				for _, w := range res.Effects.Warnings {
					fmt.Fprintf(a.out, "  warning: %s\n", w)
				}
			}
			return nil
		},
	}
}

func printOrder(w io.Writer, o *order.Order) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("reference", o.Reference)
	row("checkout", o.CheckoutID)
	row("state", string(o.State))
	row("provenance", string(o.Provenance))
	row("subtotal", o.Subtotal.StringFixed(2)+" "+o.Currency)
	row("customer", customerLabel(o.Customer))
	row("user", o.Customer.UserRef)
	row("method", o.RequestedMethod)
	if p := o.Payment; p != nil {
		row("paid", p.Amount.StringFixed(2)+" "+p.Currency+" via "+p.Method)
		row("paid at", p.PaidAt.UTC().Format(time.RFC3339))
	}
	row("created", o.CreatedAt.UTC().Format(time.RFC3339))
	for _, li := range o.Items {
		fmt.Fprintf(tw, "item:\t%d x %s\t%s\n", li.Quantity, itemName(li), li.UnitPrice.StringFixed(2))
	}
	return tw.Flush()
}

func printOrderTable(w io.Writer, orders []*order.Order) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tTOTAL\tPROVENANCE\tEMAIL\tPAID AT")
	for _, o := range orders {
		total := o.Subtotal.StringFixed(2) + " " + o.Currency
		paidAt := ""
		if o.Payment != nil {
			total = o.Payment.Amount.StringFixed(2) + " " + o.Payment.Currency
			paidAt = o.Payment.PaidAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Reference, total, o.Provenance, o.Customer.Email, paidAt)
	}
	return tw.Flush()
}

func customerLabel(c order.Customer) string {
	if c.Email == "" {
		return c.Name
	}
	return strings.TrimSpace(c.Name + " <" + c.Email + ">")
}

func itemName(li order.LineItem) string {
	name := li.ProductRef
	if li.Name != "" {
		name = li.Name
	}
	if li.VariationName != "" {
		name += " (" + li.VariationName + ")"
	}
	return name
}
