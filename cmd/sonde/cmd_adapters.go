package main

import (
	"context"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sonde/adapter"
)

var adaptersJSON bool

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List registered adapters with their resolved settings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			infos := make([]adapter.Info, 0)
			for _, ad := range a.reg.All() {
				infos = append(infos, ad.Info())
			}
			if adaptersJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			remote := a.syncer.Owned()
			t := newTable(cmd.OutOrStdout(), "Name", "Types", "Cache", "Timeout", "Order", "Roles", "Flags")
			for _, in := range infos {
				types := make([]string, len(in.Types))
				for i, it := range in.Types {
					types[i] = string(it)
				}
				cache := string(in.CachePolicy)
				if !in.Cacheable {
					cache = "off"
				}
				var flags []string
				if in.Disabled {
					flags = append(flags, "disabled")
				}
				if in.Locked {
					flags = append(flags, "locked")
				}
				if in.Discovers {
					flags = append(flags, "discovers")
				}
				if slices.Contains(remote, in.Name) {
					flags = append(flags, "remote")
				}
				t.AppendRow([]any{
					in.Name, strings.Join(types, ","), cache,
					time.Duration(in.CacheTimeout) * time.Millisecond, in.Order,
					strings.Join(in.ViewRoles, ","), strings.Join(flags, ","),
				})
			}
			t.Render()
			return nil
		})
	},
}

func init() {
	adaptersCmd.Flags().BoolVar(&adaptersJSON, "json", false, "print JSON instead of a table")
}

// withApp opens the database and registry for a one-shot command. Logs go
// to stderr at warn level unless LOG_LEVEL says otherwise.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	logger := newLogger(level, os.Stderr)
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	a, err := newApp(ctx, cfg, db, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
