package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-payouts/internal/settlement"
)

type filterFlags struct {
	sellerID string
	status   string
	from     string
	to       string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sellerID, "seller", "", "only this seller")
	cmd.Flags().StringVar(&f.status, "status", "", "only this status")
	cmd.Flags().StringVar(&f.from, "from", "", "created on or after")
	cmd.Flags().StringVar(&f.to, "to", "", "created on or before")
}

func (f *filterFlags) filter() (settlement.Filter, error) {
	out := settlement.Filter{SellerID: f.sellerID}
	if f.status != "" {
		status, err := settlement.ParseStatus(strings.ToUpper(f.status))
		if err != nil {
			return out, err
		}
		out.Status = status
	}
	if f.from != "" {
		from, err := settlement.ParsePeriodBound(f.from, false)
		if err != nil {
			return out, err
		}
		out.From = &from
	}
	if f.to != "" {
		to, err := settlement.ParsePeriodBound(f.to, true)
		if err != nil {
			return out, err
		}
		out.To = &to
	}
	return out, nil
}

func listCmd() *cobra.Command {
	var (
		flags filterFlags
		page  int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlements, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			f.Page, f.Limit = page, limit

			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			settlements, total, err := svc.ListSettlements(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(settlements) == 0 {
				fmt.Println("No settlements found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer func() {
				if flushErr := w.Flush(); flushErr != nil {
					zlog.Error().Err(flushErr).Msg("failed to flush table writer")
				}
			}()

			fmt.Fprintln(w, "ID\tSELLER\tPERIOD\tSTATUS\tITEMS\tGROSS\tNET")
			for _, s := range settlements {
				fmt.Fprintf(w, "%s\t%s\t%s..%s\t%s\t%d\t%d\t%d\n",
					s.ID, s.SellerID,
					s.PeriodStart.UTC().Format(time.DateOnly), s.PeriodEnd.UTC().Format(time.DateOnly),
					s.Status, s.ItemCount, s.TotalGross, s.NetAmount)
			}
			fmt.Fprintf(w, "\n%d of %d settlements\n", len(settlements), total)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func showCmd() *cobra.Command {
	var audit bool

	cmd := &cobra.Command{
		Use:   "show <settlement-id>",
		Short: "Print a settlement with its items as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := newService()
			if err != nil {
				return err
			}
			defer closeDB()

			s, err := svc.GetSettlement(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !audit {
				return printJSON(s)
			}

			trail, err := svc.AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"settlement": s,
				"audit":      trail,
			})
		},
	}

	cmd.Flags().BoolVar(&audit, "audit", false, "include the audit trail")
	return cmd
}
