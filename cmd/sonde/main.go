// sonde searches threat-intel adapters for the indicators in a query and
// streams what they find.
//
// Usage:
//
//	sonde serve
//	sonde classify 1.2.3.4 bad@evil.example
//	sonde adapters
//	sonde lookup --itype=domain --adapter=dns example.com
//	sonde routes list|set|rm
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sonde",
	Short: "Threat-intel indicator search",
	Long:  "sonde classifies indicators (ip, domain, url, email, hash, phone) and\nfans them out to lookup adapters, following what they discover.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
