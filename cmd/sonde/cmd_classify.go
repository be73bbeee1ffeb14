package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sonde/indicator"
	"github.com/hazyhaar/sonde/search"
)

var classifyJSON bool

var classifyCmd = &cobra.Command{
	Use:   "classify <token>...",
	Short: "Show how tokens are classified",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []indicator.Indicator
		for _, tok := range search.Tokens(strings.Join(args, " ")) {
			out = append(out, indicator.Classify(tok))
		}
		if classifyJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		t := newTable(cmd.OutOrStdout(), "Query", "Type", "Decoded")
		for _, ind := range out {
			t.AppendRow([]any{ind.Query, ind.Type, ind.Decoded})
		}
		t.Render()
		return nil
	},
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print JSON instead of a table")
}
