// Package cmd implements the limiterctl CLI, a thin client for the
// emergency override API.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagAPIURL  string
	flagActor   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "limiterctl",
	Short: "Rate limiter administration CLI",
	Long: `limiterctl manages emergency rate limit overrides.

It talks to the limiter's admin API to install temporary bypasses,
reset counters for locked-out identifiers, and read the audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Admin API URL (env: LIMITER_API_URL)")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "Admin user id recorded in the audit trail (env: LIMITER_ACTOR)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(bypassCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(auditCmd)
}

func initConfig() {
	if flagAPIURL == "" {
		flagAPIURL = os.Getenv("LIMITER_API_URL")
	}
	if flagAPIURL == "" {
		flagAPIURL = "http://localhost:8080"
	}
	if flagActor == "" {
		flagActor = os.Getenv("LIMITER_ACTOR")
	}
}

func newClient() *Client {
	return NewClient(flagAPIURL, flagActor, flagVerbose)
}
