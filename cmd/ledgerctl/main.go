package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tooling for the tip and withdrawal ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config.yaml (defaults to $TIPLY_CONFIG)")

	root.AddCommand(reconcileCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(overrideCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(supportersCmd())
	return root
}
