package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "samplectl",
		Short:         "Probabilistic batch runner",
		Long:          "Samples one prompt many times against an LLM provider and reports aggregate statistics",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(NewRunCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
