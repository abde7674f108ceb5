package settlement

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/export"
	"github.com/ksred/klear-payouts/internal/fee"
	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/metrics"
)

// Config is the fixed input of every build. Rates are captured on each
// settlement so later rate changes never alter stored statements.
type Config struct {
	Rates       fee.Rates
	GracePeriod time.Duration
	Currency    string
	TxOptions   *sql.TxOptions
}

type Service struct {
	db         *Database
	ledger     *ledger.Database
	builder    *Builder
	manager    *Manager
	reconciler *Reconciler
	now        func() time.Time
}

func NewService(gormDB *gorm.DB, cfg Config, opts ...Option) (*Service, error) {
	calculator, err := fee.NewCalculator(cfg.Rates)
	if err != nil {
		return nil, newError(KindConfiguration, "new service", fmt.Errorf("%w: %w", ErrMisconfigured, err))
	}
	if cfg.Currency == "" {
		cfg.Currency = "KRW"
	}

	opts = append([]Option{WithTxOptions(cfg.TxOptions)}, opts...)
	builder := NewBuilder(gormDB, calculator, cfg.GracePeriod, cfg.Currency, opts...)

	return &Service{
		db:         NewDatabase(gormDB),
		ledger:     ledger.NewDatabase(gormDB),
		builder:    builder,
		manager:    NewManager(gormDB, builder.now, cfg.TxOptions),
		reconciler: NewReconciler(gormDB, builder.now),
		now:        builder.now,
	}, nil
}

// BuildSettlement builds one settlement. A conflict with a concurrent build
// is retried once; a second conflict is returned as ErrPersistentConflict.
// When no destination is given the seller's registered payout account is
// used.
func (s *Service) BuildSettlement(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("seller_id", req.SellerID).
		Time("period_start", req.PeriodStart).
		Time("period_end", req.PeriodEnd).
		Str("actor_id", req.ActorID).
		Logger()

	logger.Info().Msg("starting settlement build")
	started := time.Now()

	if req.Destination.IsZero() && req.SellerID != "" {
		account, err := s.db.GetPayoutAccount(ctx, req.SellerID)
		switch {
		case err == nil:
			req.Destination = account.PayoutDestination
		case !errors.Is(err, gorm.ErrRecordNotFound):
			logger.Error().Err(err).Msg("failed to fetch payout account")
			metrics.ObserveBuild(metrics.ResultError, time.Since(started))
			return nil, classify("build settlement", err)
		}
	}

	result, err := s.builder.Build(ctx, req)
	if err != nil && IsRetryable(err) {
		logger.Warn().Err(err).Msg("settlement build conflicted, retrying once")
		metrics.IncBuildRetry()
		result, err = s.builder.Build(ctx, req)
		if err != nil && IsRetryable(err) {
			err = newError(KindConflict, "build settlement", fmt.Errorf("%w: %w", ErrPersistentConflict, err))
		}
	}

	if err != nil {
		var typed *Error
		if errors.As(err, &typed) && typed.Excluded != nil {
			recordExclusions(*typed.Excluded)
		}
		switch KindOf(err) {
		case KindNothingToSettle:
			logger.Info().Err(err).Msg("nothing to settle")
			metrics.ObserveBuild(metrics.ResultNothingToSettle, time.Since(started))
		case KindConflict:
			logger.Error().Err(err).Msg("settlement build conflict persisted")
			metrics.ObserveBuild(metrics.ResultConflict, time.Since(started))
		default:
			logger.Error().Err(err).Str("kind", KindOf(err).String()).Msg("settlement build failed")
			metrics.ObserveBuild(metrics.ResultError, time.Since(started))
		}
		return nil, err
	}

	recordExclusions(result.Excluded)
	metrics.ObserveBuild(metrics.ResultSuccess, time.Since(started))
	logger.Info().
		Str("settlement_id", result.Settlement.ID).
		Int("item_count", result.Settlement.ItemCount).
		Int64("total_gross", result.Settlement.TotalGross).
		Int64("platform_fee", result.Settlement.PlatformFee).
		Int64("processor_fee", result.Settlement.ProcessorFee).
		Int64("net_amount", result.Settlement.NetAmount).
		Int("excluded_grace_period", result.Excluded.GracePeriod).
		Int("excluded_active_refund", result.Excluded.ActiveRefund).
		Int("excluded_already_settled", result.Excluded.AlreadySettled).
		Msg("settlement build completed successfully")

	return result, nil
}

func recordExclusions(e Exclusions) {
	metrics.AddExcluded("grace_period", e.GracePeriod)
	metrics.AddExcluded("active_refund", e.ActiveRefund)
	metrics.AddExcluded("already_settled", e.AlreadySettled)
}

// AdvanceSettlementStatus moves a settlement along its lifecycle.
func (s *Service) AdvanceSettlementStatus(ctx context.Context, settlementID string, req AdvanceRequest) (*Settlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("settlement_id", settlementID).
		Str("target_status", string(req.Target)).
		Str("actor_id", req.ActorID).
		Logger()

	updated, err := s.manager.Advance(ctx, settlementID, req)
	if err != nil {
		metrics.IncAdvance(string(req.Target), KindOf(err).String())
		logger.Warn().Err(err).Msg("settlement status change rejected")
		return nil, err
	}

	metrics.IncAdvance(string(req.Target), metrics.ResultSuccess)
	logger.Info().Msg("settlement status updated")
	return updated, nil
}

// GetSettlement returns a settlement with its items.
func (s *Service) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	return s.manager.Get(ctx, settlementID)
}

// ListSettlements returns one page of settlements and the total count.
func (s *Service) ListSettlements(ctx context.Context, f Filter) ([]Settlement, int64, error) {
	return s.manager.List(ctx, f)
}

// AuditTrail returns the recorded changes of a settlement.
func (s *Service) AuditTrail(ctx context.Context, settlementID string) ([]AuditLog, error) {
	return s.manager.AuditTrail(ctx, settlementID)
}

// Summary aggregates stored figures over the filter.
func (s *Service) Summary(ctx context.Context, f Filter) (*Summary, error) {
	summary, err := s.db.Summarize(ctx, f)
	if err != nil {
		return nil, classify("summarize settlements", err)
	}
	return summary, nil
}

// ExportRows returns one row per settlement item matching the filter, with
// the figures exactly as stored.
func (s *Service) ExportRows(ctx context.Context, f Filter) ([]export.Row, error) {
	const op = "export settlements"

	settlements, err := s.db.ListAllSettlements(ctx, f)
	if err != nil {
		return nil, classify(op, err)
	}
	ids := make([]string, len(settlements))
	byID := make(map[string]Settlement, len(settlements))
	for i, st := range settlements {
		ids[i] = st.ID
		byID[st.ID] = st
	}
	items, err := s.db.ListItems(ctx, ids)
	if err != nil {
		return nil, classify(op, err)
	}

	grouped := make(map[string][]Item, len(settlements))
	for _, item := range items {
		grouped[item.SettlementID] = append(grouped[item.SettlementID], item)
	}

	rows := make([]export.Row, 0, len(items))
	for _, id := range ids {
		st := byID[id]
		for _, item := range grouped[id] {
			rows = append(rows, export.Row{
				SettlementID:         st.ID,
				SellerID:             st.SellerID,
				PeriodStart:          st.PeriodStart,
				PeriodEnd:            st.PeriodEnd,
				Status:               string(st.Status),
				Currency:             st.Currency,
				PayoutReference:      st.PayoutReference,
				SettlementCreatedAt:  st.CreatedAt,
				LineNo:               item.LineNo,
				TransactionID:        item.TransactionID,
				TransactionCreatedAt: item.TransactionCreatedAt,
				GrossAmount:          item.GrossAmount,
				PlatformFee:          item.PlatformFee,
				ProcessorFee:         item.ProcessorFee,
				NetAmount:            item.NetAmount,
			})
		}
	}
	return rows, nil
}

// Export renders the filtered rows as csv or xlsx.
func (s *Service) Export(ctx context.Context, format string, f Filter) ([]byte, error) {
	format = strings.ToLower(format)
	started := time.Now()

	var data []byte
	err := func() error {
		if format != export.FormatCSV && format != export.FormatXLSX {
			return newError(KindValidation, "export settlements",
				fmt.Errorf("%w: unsupported export format %q", ErrInvalidRequest, format))
		}
		rows, err := s.ExportRows(ctx, f)
		if err != nil {
			return err
		}
		if format == export.FormatXLSX {
			data, err = export.BuildXLSX(rows)
			return err
		}
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, rows); err != nil {
			return err
		}
		data = buf.Bytes()
		return nil
	}()

	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(started))
		log.Error().Err(err).Str("service", "settlement").Str("format", format).Msg("settlement export failed")
		return nil, classify("export settlements", err)
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(started))
	return data, nil
}

// Statement renders one settlement as a PDF statement.
func (s *Service) Statement(ctx context.Context, settlementID string) ([]byte, error) {
	started := time.Now()

	st, err := s.manager.Get(ctx, settlementID)
	if err != nil {
		metrics.ObserveExport(export.FormatPDF, metrics.ResultError, time.Since(started))
		return nil, err
	}

	data, err := export.BuildStatementPDF(toStatement(st))
	if err != nil {
		metrics.ObserveExport(export.FormatPDF, metrics.ResultError, time.Since(started))
		return nil, classify("settlement statement", err)
	}
	metrics.ObserveExport(export.FormatPDF, metrics.ResultSuccess, time.Since(started))
	return data, nil
}

func toStatement(st *Settlement) *export.Statement {
	stmt := &export.Statement{
		SettlementID:    st.ID,
		SellerID:        st.SellerID,
		PeriodStart:     st.PeriodStart,
		PeriodEnd:       st.PeriodEnd,
		Status:          string(st.Status),
		Currency:        st.Currency,
		PlatformRate:    st.PlatformRate,
		ProcessorRate:   st.ProcessorRate,
		TotalGross:      st.TotalGross,
		PlatformFee:     st.PlatformFee,
		ProcessorFee:    st.ProcessorFee,
		NetAmount:       st.NetAmount,
		BankName:        st.BankName,
		AccountNumber:   st.AccountNumber,
		AccountHolder:   st.AccountHolder,
		PayoutReference: st.PayoutReference,
		CreatedAt:       st.CreatedAt,
		PaidAt:          st.PaidAt,
		Lines:           make([]export.Line, 0, len(st.Items)),
	}
	for _, item := range st.Items {
		stmt.Lines = append(stmt.Lines, export.Line{
			LineNo:               item.LineNo,
			TransactionID:        item.TransactionID,
			TransactionCreatedAt: item.TransactionCreatedAt,
			GrossAmount:          item.GrossAmount,
			PlatformFee:          item.PlatformFee,
			ProcessorFee:         item.ProcessorFee,
			NetAmount:            item.NetAmount,
		})
	}
	return stmt
}

// Reconcile checks stored settlements against their items and the ledger.
func (s *Service) Reconcile(ctx context.Context, sellerID string) (*ReconciliationReport, error) {
	report, err := s.reconciler.Reconcile(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !report.Consistent() {
		log.Warn().
			Str("service", "settlement").
			Str("seller_id", sellerID).
			Int("discrepancies", len(report.Discrepancies)).
			Msg("settlement reconciliation found discrepancies")
	}
	return report, nil
}

// RepairSettledFlags restores the settled flag of every transaction that a
// settlement item references. It never clears a flag.
func (s *Service) RepairSettledFlags(ctx context.Context) (int64, error) {
	repaired, err := s.db.RepairSettledFlags(ctx, s.now())
	if err != nil {
		return 0, classify("repair settled flags", err)
	}
	log.Info().Str("service", "settlement").Int64("repaired", repaired).Msg("settled flags repaired")
	return repaired, nil
}

// RegisterPayoutAccount stores the bank account scheduled builds pay into.
func (s *Service) RegisterPayoutAccount(ctx context.Context, sellerID string, dest PayoutDestination) (*PayoutAccount, error) {
	const op = "register payout account"
	if sellerID == "" || dest.BankName == "" || dest.AccountNumber == "" {
		return nil, newError(KindValidation, op,
			fmt.Errorf("%w: seller_id, bank_name and account_number are required", ErrInvalidRequest))
	}

	now := s.now().UTC()
	account := &PayoutAccount{
		SellerID:          sellerID,
		PayoutDestination: dest,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.UpsertPayoutAccount(ctx, account); err != nil {
		return nil, classify(op, err)
	}
	return s.GetPayoutAccount(ctx, sellerID)
}

// GetPayoutAccount returns the seller's registered bank account.
func (s *Service) GetPayoutAccount(ctx context.Context, sellerID string) (*PayoutAccount, error) {
	account, err := s.db.GetPayoutAccount(ctx, sellerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "get payout account", ErrPayoutAccountNotFound)
	}
	if err != nil {
		return nil, classify("get payout account", err)
	}
	return account, nil
}

// SellersWithUnsettled lists sellers with COMPLETED, unsettled transactions
// created in [from, to].
func (s *Service) SellersWithUnsettled(ctx context.Context, from, to time.Time) ([]string, error) {
	sellers, err := s.ledger.ListSellersWithUnsettled(ctx, from, to)
	if err != nil {
		return nil, newError(KindUpstream, "list sellers", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
	}
	return sellers, nil
}

// GracePeriod is the refund window builds wait out.
func (s *Service) GracePeriod() time.Duration {
	return s.builder.grace
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}
