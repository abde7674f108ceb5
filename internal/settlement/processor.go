package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-payouts/internal/metrics"
)

const (
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"

	// SchedulerActor is recorded as the creator of scheduled settlements.
	SchedulerActor = "system:scheduler"
)

// ClosedPeriod returns the most recent full period that ended at or before
// asOf, in UTC. Weekly periods run Monday to Sunday. end is the last
// nanosecond of the period.
func ClosedPeriod(kind string, asOf time.Time) (start, end time.Time, err error) {
	asOf = asOf.UTC()
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	var next time.Time
	switch kind {
	case PeriodWeekly:
		sinceMonday := (int(day.Weekday()) + 6) % 7
		next = day.AddDate(0, 0, -sinceMonday)
		start = next.AddDate(0, 0, -7)
	case PeriodMonthly:
		next = time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
		start = next.AddDate(0, -1, 0)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown period %q", ErrInvalidRequest, kind)
	}
	return start, next.Add(-time.Nanosecond), nil
}

// RunSummary counts the outcome of one scheduled run.
type RunSummary struct {
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Sellers         int
	Built           int
	NothingToSettle int
	NoPayoutAccount int
	Failed          int
}

// Processor builds settlements for every seller on a fixed interval.
type Processor struct {
	service      *Service
	processDelay time.Duration // Time between scheduled runs
	period       string
}

func NewProcessor(service *Service, interval time.Duration, period string) *Processor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Processor{
		service:      service,
		processDelay: interval,
		period:       period,
	}
}

// Start begins the settlement scheduling loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().
		Dur("interval", p.processDelay).
		Str("period", p.period).
		Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to run scheduled settlements")
			}
		}
	}
}

// RunOnce settles the latest period whose transactions are all past the
// grace period, for every seller with a payout account.
func (p *Processor) RunOnce(ctx context.Context) (*RunSummary, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	asOf := p.service.Now().Add(-p.service.GracePeriod())
	start, end, err := ClosedPeriod(p.period, asOf)
	if err != nil {
		metrics.IncSchedulerRun(metrics.ResultError)
		return nil, err
	}
	summary := &RunSummary{PeriodStart: start, PeriodEnd: end}

	sellers, err := p.service.SellersWithUnsettled(ctx, start, end)
	if err != nil {
		metrics.IncSchedulerRun(metrics.ResultError)
		return nil, err
	}
	summary.Sellers = len(sellers)

	logger.Info().
		Time("period_start", start).
		Time("period_end", end).
		Int("seller_count", len(sellers)).
		Msg("processing scheduled settlements")

	for _, sellerID := range sellers {
		if ctx.Err() != nil {
			break
		}

		account, err := p.service.GetPayoutAccount(ctx, sellerID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				summary.NoPayoutAccount++
				logger.Debug().Str("seller_id", sellerID).Msg("seller has no payout account, skipping")
				continue
			}
			summary.Failed++
			logger.Error().Err(err).Str("seller_id", sellerID).Msg("failed to fetch payout account")
			continue
		}

		_, err = p.service.BuildSettlement(ctx, BuildRequest{
			SellerID:    sellerID,
			PeriodStart: start,
			PeriodEnd:   end,
			Destination: account.PayoutDestination,
			ActorID:     SchedulerActor,
		})
		switch {
		case err == nil:
			summary.Built++
		case KindOf(err) == KindNothingToSettle, KindOf(err) == KindDuplicate:
			summary.NothingToSettle++
			logger.Debug().Err(err).Str("seller_id", sellerID).Msg("nothing new to settle")
		default:
			summary.Failed++
			logger.Error().Err(err).Str("seller_id", sellerID).Msg("scheduled settlement build failed")
		}
	}

	result := metrics.ResultSuccess
	if summary.Failed > 0 {
		result = metrics.ResultError
	}
	metrics.IncSchedulerRun(result)

	logger.Info().
		Int("built", summary.Built).
		Int("nothing_to_settle", summary.NothingToSettle).
		Int("no_payout_account", summary.NoPayoutAccount).
		Int("failed", summary.Failed).
		Msg("scheduled settlements processed")

	return summary, ctx.Err()
}
