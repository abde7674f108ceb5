package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-payouts/internal/settlement"
)

func buildCmd() *cobra.Command {
	var (
		sellerID string
		from     string
		to       string
		dest     settlement.PayoutDestination
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a settlement for one seller and period",
		Long: `Build selects the seller's completed, unsettled transactions in the period,
leaves out anything still inside the refund grace period or under an open
refund, and stores the settlement with its fee breakdown.

Dates are YYYY-MM-DD or RFC3339; a date used for --to covers the whole day.
Without bank flags the seller's registered payout account is used.`,
		Example: `  payoutctl build --seller SELLER_001 --from 2024-04-01 --to 2024-04-30`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := settlement.ParsePeriodBound(from, false)
			if err != nil {
				return err
			}
			end, err := settlement.ParsePeriodBound(to, true)
			if err != nil {
				return err
			}

			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			result, err := svc.BuildSettlement(cmd.Context(), settlement.BuildRequest{
				SellerID:    sellerID,
				PeriodStart: start,
				PeriodEnd:   end,
				Destination: dest,
				ActorID:     operatorActor,
			})
			if err != nil {
				var typed *settlement.Error
				if errors.As(err, &typed) && typed.Kind == settlement.KindNothingToSettle {
					fmt.Println("Nothing to settle:", err)
					return nil
				}
				return err
			}

			s := result.Settlement
			fmt.Printf("Built %s for %s: %d items, gross %d, platform fee %d, processor fee %d, net %d %s\n",
				s.ID, s.SellerID, s.ItemCount, s.TotalGross, s.PlatformFee, s.ProcessorFee, s.NetAmount, s.Currency)
			fmt.Printf("Excluded: %s\n", result.Excluded)
			return nil
		},
	}

	cmd.Flags().StringVar(&sellerID, "seller", "", "seller id")
	cmd.Flags().StringVar(&from, "from", "", "period start")
	cmd.Flags().StringVar(&to, "to", "", "period end")
	cmd.Flags().StringVar(&dest.BankName, "bank", "", "destination bank name")
	cmd.Flags().StringVar(&dest.AccountNumber, "account", "", "destination account number")
	cmd.Flags().StringVar(&dest.AccountHolder, "holder", "", "destination account holder")
	_ = cmd.MarkFlagRequired("seller")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func advanceCmd() *cobra.Command {
	var (
		reference string
		notes     string
	)

	cmd := &cobra.Command{
		Use:   "advance <settlement-id> <PROCESSED|PAID|REJECTED>",
		Short: "Move a settlement to its next status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := settlement.ParseStatus(strings.ToUpper(args[1]))
			if err != nil {
				return err
			}

			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			updated, err := svc.AdvanceSettlementStatus(cmd.Context(), args[0], settlement.AdvanceRequest{
				Target:    target,
				ActorID:   operatorActor,
				Reference: reference,
				Notes:     notes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", updated.ID, updated.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "bank transfer reference")
	cmd.Flags().StringVar(&notes, "notes", "", "notes; required when rejecting")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
