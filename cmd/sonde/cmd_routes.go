package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sonde/connectivity"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage remote adapter routes",
	Long: `Edits the adapter_routes table. A running server picks changes up
within its watch interval. Services named <name>_lookup become the adapter
<name> for the listed itypes.`,
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List routes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withAdmin(func(admin *connectivity.Admin) error {
			rows, err := admin.ListRoutes(cmd.Context())
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), "Service", "Strategy", "Endpoint", "Types", "Config", "Updated")
			for _, r := range rows {
				t.AppendRow([]any{
					r.ServiceName, r.Strategy, r.Endpoint, strings.Join(r.ITypes, ","), string(r.Config),
					time.Unix(r.UpdatedAt, 0).UTC().Format(time.RFC3339),
				})
			}
			t.Render()
			return nil
		})
	},
}

var routeSet struct {
	strategy string
	endpoint string
	itypes   []string
	config   string
}

var routesSetCmd = &cobra.Command{
	Use:   "set <service>",
	Short: "Create or replace a route",
	Example: `  sonde routes set passivedns_lookup --strategy=http \
    --endpoint=https://pdns.example/lookup --itypes=domain,ip \
    --config='{"timeout_ms":5000,"max_retries":2}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := json.RawMessage(routeSet.config)
		return withAdmin(func(admin *connectivity.Admin) error {
			err := admin.UpsertRoute(cmd.Context(), connectivity.RouteRow{
				ServiceName: args[0],
				Strategy:    routeSet.strategy,
				Endpoint:    routeSet.endpoint,
				ITypes:      routeSet.itypes,
				Config:      cfg,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "route %s set (%s)\n", args[0], routeSet.strategy)
			return nil
		})
	},
}

var routesDisableCmd = &cobra.Command{
	Use:   "disable <service>",
	Short: "Switch a route to noop, keeping its endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(admin *connectivity.Admin) error {
			return admin.SetStrategy(cmd.Context(), args[0], "noop")
		})
	},
}

var routesRmCmd = &cobra.Command{
	Use:   "rm <service>",
	Short: "Delete a route",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(admin *connectivity.Admin) error {
			return admin.DeleteRoute(cmd.Context(), args[0])
		})
	},
}

// withAdmin opens the database only; route edits never dial the endpoints.
func withAdmin(fn func(*connectivity.Admin) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(connectivity.NewAdmin(db))
}

func init() {
	f := routesSetCmd.Flags()
	f.StringVar(&routeSet.strategy, "strategy", "http", "local, http, mcp or noop")
	f.StringVar(&routeSet.endpoint, "endpoint", "", "remote endpoint URL")
	f.StringSliceVar(&routeSet.itypes, "itypes", nil, "indicator types the service accepts")
	f.StringVar(&routeSet.config, "config", "{}", "JSON route config")

	routesCmd.AddCommand(routesListCmd, routesSetCmd, routesDisableCmd, routesRmCmd)
}
