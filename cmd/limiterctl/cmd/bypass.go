package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagBypassTarget   string
	flagBypassTargetID string
	flagBypassTTL      int
	flagBypassReason   string
)

var bypassCmd = &cobra.Command{
	Use:   "bypass",
	Short: "Install a temporary rate limit bypass",
	Long: `Install a time-bounded bypass for a tenant, a user, or globally.

While active, matching requests skip rate limiting entirely. Every
bypassed request is audited. Examples:

  limiterctl bypass --target tenant --target-id tenant-123 --ttl 600 --reason "incident #4211"
  limiterctl bypass --target global --ttl 120 --reason "load test window"`,
	RunE: runBypass,
}

func init() {
	bypassCmd.Flags().StringVar(&flagBypassTarget, "target", "", "Bypass target: global, tenant or user")
	bypassCmd.Flags().StringVar(&flagBypassTargetID, "target-id", "", "Tenant or user id (omit for global)")
	bypassCmd.Flags().IntVar(&flagBypassTTL, "ttl", 300, "Bypass lifetime in seconds")
	bypassCmd.Flags().StringVar(&flagBypassReason, "reason", "", "Reason recorded in the audit trail")
	_ = bypassCmd.MarkFlagRequired("target")
	_ = bypassCmd.MarkFlagRequired("reason")
}

func runBypass(_ *cobra.Command, _ []string) error {
	if flagActor == "" {
		return errors.New("--actor (or LIMITER_ACTOR) is required")
	}

	body := map[string]any{
		"target": flagBypassTarget,
		"ttl":    flagBypassTTL,
		"reason": flagBypassReason,
	}
	if flagBypassTargetID != "" {
		body["target_id"] = flagBypassTargetID
	}

	data, err := newClient().Post("/admin/overrides/bypass", body)
	if err != nil {
		return err
	}

	fmt.Println("Bypass created.")
	return printJSON(data)
}
