package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// @title           Fulfillment Service API
// @version         1.0
// @description     Сага исполнения заказа: заказы, резервы склада, платежи и outbox

// @BasePath /fulfillment/api

func main() {
	cmd := &cli.Command{
		Name:  "fulfillment",
		Usage: "Order fulfillment saga service (order, inventory, payment roles)",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run HTTP API, event consumer and outbox relay for a role",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "role",
						Aliases: []string{"r"},
						Usage:   "Service role: order, inventory or payment (overrides SERVICE_ROLE)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, cmd.String("role"))
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMigrate()
				},
			},
			{
				Name:  "outbox",
				Usage: "Inspect and replay outbox records",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List outbox records by status",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "status",
								Aliases: []string{"s"},
								Value:   "FAILED",
								Usage:   "PENDING, PROCESSING, RETRY_SCHEDULED, PUBLISHED or FAILED; empty for all",
							},
							&cli.IntFlag{
								Name:    "limit",
								Aliases: []string{"l"},
								Value:   100,
								Usage:   "Maximum number of records",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runOutboxList(ctx, os.Stdout, cmd.String("status"), int(cmd.Int("limit")))
						},
					},
					{
						Name:  "replay",
						Usage: "Move a FAILED outbox record back to PENDING",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "id",
								Aliases:  []string{"i"},
								Required: true,
								Usage:    "Outbox record id (UUID)",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runOutboxReplay(ctx, os.Stdout, cmd.String("id"))
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fulfillment: %v\n", err)
		os.Exit(1)
	}
}
