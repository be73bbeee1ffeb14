package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sonde/auth"
	"github.com/hazyhaar/sonde/cache"
	"github.com/hazyhaar/sonde/engine"
	"github.com/hazyhaar/sonde/kit"
	"github.com/hazyhaar/sonde/search"
)

var lookupOpts struct {
	itype     string
	adapter   string
	user      string
	skipCache bool
	noFollow  bool
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <query>...",
	Short: "Run one adapter, or a full search streamed as JSON lines",
	Long: `With --adapter and --itype, runs that adapter once and prints its chunk.
Without --adapter, runs a full search over the query and prints every chunk
as one JSON line, following discovered indicators unless --no-follow.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLookup,
}

func init() {
	f := lookupCmd.Flags()
	f.StringVar(&lookupOpts.itype, "itype", "", "indicator type for a single-adapter lookup")
	f.StringVar(&lookupOpts.adapter, "adapter", "", "adapter name")
	f.StringVar(&lookupOpts.user, "user", "", "run as this user id (per-user settings apply)")
	f.BoolVar(&lookupOpts.skipCache, "skip-cache", false, "bypass cached results")
	f.BoolVar(&lookupOpts.noFollow, "no-follow", false, "do not search discovered indicators")
}

func runLookup(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	if lookupOpts.adapter != "" && lookupOpts.itype == "" {
		return errors.New("--itype is required with --adapter")
	}
	return withApp(cmd.Context(), func(a *app) error {
		eng := engine.New(a.reg, engine.WithCache(cache.NewSQLite(a.db)), engine.WithLogger(a.logger))
		svc := search.NewService(eng, search.WithLogger(a.logger))
		caller := auth.Caller{UserID: lookupOpts.user}
		ctx := kit.WithTransport(cmd.Context(), kit.TransportCLI)
		out := cmd.OutOrStdout()

		if lookupOpts.adapter != "" {
			c := svc.Lookup(ctx, caller, lookupOpts.itype, lookupOpts.adapter, query)
			if err := printJSON(out, c); err != nil {
				return err
			}
			if c.Purpose == engine.PurposeError {
				return errors.New(c.Text)
			}
			return nil
		}

		req := &search.Request{Query: query, SkipCache: lookupOpts.skipCache, SkipChildren: lookupOpts.noFollow}
		var werr error
		err := svc.Stream(ctx, caller, req, func(c engine.Chunk) {
			b, err := json.Marshal(c)
			if err != nil {
				werr = err
				return
			}
			fmt.Fprintln(out, string(b))
		})
		return errors.Join(err, werr)
	})
}
