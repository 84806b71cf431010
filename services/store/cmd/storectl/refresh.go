package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/events"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/spf13/cobra"
)

func refreshCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "refresh <gateway-order-id>",
		Short: "Poll the gateway for one order and apply the newest payment attempt",
		Long: `Fetch every payment attempt for the order from the configured gateway,
pick the newest one and run it through the same reconciliation rule as
webhooks. Terminal orders are never changed.

Examples:
  storectl refresh order_Nc1x8Yp3tQ
  storectl refresh pi_3Pq... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			gw, err := gateway.New(cfg.Gateway)
			if err != nil {
				return err
			}

			var publisher events.Publisher = events.NopPublisher{}
			if cfg.NATS.URL != "" {
				bus, err := events.NewNATSEventBus(cfg.NATS.URL)
				if err != nil {
					return err
				}
				defer bus.Close()
				publisher = bus
			}

			svc := service.NewReconcileService(
				repository.NewOrderRepository(pool),
				repository.NewUserRepository(pool),
				gw,
				mailer.New(cfg.Email),
				publisher,
			)

			res, err := svc.Refresh(ctx, args[0])
			if err != nil {
				return fmt.Errorf("refresh %s: %w", args[0], err)
			}
			return printRefresh(cmd.OutOrStdout(), res, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printRefresh(w io.Writer, res *service.RefreshResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"gateway_order_id": res.Order.GatewayOrderID,
			"status":           res.Order.Status,
			"result":           res.Result,
			"payments":         res.Payments,
		})
	}

	fmt.Fprintf(w, "order %s (id %d): %s\n", res.Order.GatewayOrderID, res.Order.ID, res.Order.Status)
	for _, p := range res.Payments {
		marker := " "
		if res.Selected != nil && p.ID == res.Selected.ID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-24s %-10s %d\n", marker, p.ID, p.Status, p.CreatedAt)
	}
	fmt.Fprintf(w, "decision: %s\n", res.Result)
	return nil
}
