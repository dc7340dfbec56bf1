package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	flagAuditTargetID string
	flagAuditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the override audit trail",
	Long: `Read the most recent audit entries for a target, newest first.

  limiterctl audit --target-id tenant-123
  limiterctl audit --target-id global --limit 20`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&flagAuditTargetID, "target-id", "", "Target id (use \"global\" for global overrides)")
	auditCmd.Flags().IntVar(&flagAuditLimit, "limit", 100, "Maximum entries to return")
	_ = auditCmd.MarkFlagRequired("target-id")
}

func runAudit(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	q.Set("target_id", flagAuditTargetID)
	q.Set("limit", fmt.Sprintf("%d", flagAuditLimit))

	data, err := newClient().Get("/admin/overrides/audit?" + q.Encode())
	if err != nil {
		return err
	}
	return printJSON(data)
}
