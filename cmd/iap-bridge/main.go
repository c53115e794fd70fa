package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "iap-bridge",
		Short:        "In-app purchase bridge for Play Billing and StoreKit",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand(), newCallCommand(), newEventsCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
