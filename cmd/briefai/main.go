package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "briefai",
	Short:         "SEO content briefs from live search results",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(briefCmd)
	rootCmd.AddCommand(fanoutCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(referralCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(breakersCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("briefai: %v", err))
	}
}
