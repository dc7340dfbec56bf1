package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagResetScope      string
	flagResetIdentifier string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset rate limit counters for an identifier",
	Long: `Zero the current and previous window counters for an identifier,
lifting an accidental lockout immediately. Example:

  limiterctl reset --scope user --identifier user-42`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().StringVar(&flagResetScope, "scope", "", "Counter scope: tenant, user or ip")
	resetCmd.Flags().StringVar(&flagResetIdentifier, "identifier", "", "Identifier whose counters are reset")
	_ = resetCmd.MarkFlagRequired("scope")
	_ = resetCmd.MarkFlagRequired("identifier")
}

func runReset(_ *cobra.Command, _ []string) error {
	if flagActor == "" {
		return errors.New("--actor (or LIMITER_ACTOR) is required")
	}

	data, err := newClient().Post("/admin/overrides/reset", map[string]string{
		"scope":      flagResetScope,
		"identifier": flagResetIdentifier,
	})
	if err != nil {
		return err
	}

	fmt.Println("Counters reset.")
	return printJSON(data)
}
