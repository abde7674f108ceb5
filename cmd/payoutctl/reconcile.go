package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-payouts/internal/settlement"
)

func reconcileCmd() *cobra.Command {
	var sellerID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check stored settlements against their items and the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			report, err := svc.Reconcile(cmd.Context(), sellerID)
			if err != nil {
				return err
			}
			fmt.Printf("Settlements: %d  Items: %d  Net: %d  Paid: %d  Outstanding: %d\n",
				report.Settlements, report.Items, report.ItemsNet, report.PaidNet, report.OutstandingNet)
			if report.Consistent() {
				fmt.Println("No discrepancies.")
				return nil
			}
			for _, d := range report.Discrepancies {
				fmt.Printf("  %s %s [%s] %s\n", d.SettlementID, d.TransactionID, d.Check, d.Detail)
			}
			return fmt.Errorf("%d discrepancies found", len(report.Discrepancies))
		},
	}

	cmd.Flags().StringVar(&sellerID, "seller", "", "only this seller (default all)")
	return cmd
}

func repairFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-flags",
		Short: "Set the settled flag on transactions that a settlement already owns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			repaired, err := svc.RepairSettledFlags(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Repaired %d transactions\n", repaired)
			return nil
		},
	}
}

func scheduleCmd() *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run one scheduled pass over the latest closed period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			if period == "" {
				period = cfg.Settlement.Schedule.Period
			}
			summary, err := settlement.NewProcessor(svc, cfg.Settlement.Schedule.Interval, period).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Period %s..%s: %d sellers, %d built, %d nothing to settle, %d without payout account, %d failed\n",
				summary.PeriodStart.Format("2006-01-02"), summary.PeriodEnd.Format("2006-01-02"),
				summary.Sellers, summary.Built, summary.NothingToSettle, summary.NoPayoutAccount, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d builds failed", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "weekly or monthly (default from config)")
	return cmd
}
