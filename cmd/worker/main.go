package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "enrolment-worker"

// rootCmd runs the worker when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Enrolment queue worker",
	Long: `Consumes company enrolment submissions from the enrolment queue and creates the
enrolment, supplier and company records. Runs until SIGINT or SIGTERM; the list of
environment variables is available in the readme.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
