package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/internal/export"
	"github.com/ksred/klear-payouts/internal/types"
	"github.com/ksred/klear-payouts/pkg/response"
)

const dateLayout = "2006-01-02"

// ParsePeriodBound accepts an RFC3339 timestamp or a date. A date used as
// an upper bound covers the whole day, up to its last nanosecond.
func ParsePeriodBound(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type buildSettlementRequest struct {
	SellerID      string `json:"seller_id" binding:"required"`
	PeriodStart   string `json:"period_start" binding:"required"`
	PeriodEnd     string `json:"period_end" binding:"required"`
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountHolder string `json:"account_holder"`
}

type advanceStatusRequest struct {
	Status    string `json:"status" binding:"required"`
	Reference string `json:"reference"`
	Notes     string `json:"notes"`
}

type payoutAccountRequest struct {
	BankName      string `json:"bank_name" binding:"required"`
	AccountNumber string `json:"account_number" binding:"required"`
	AccountHolder string `json:"account_holder"`
}

// filterFromQuery reads list filters. Sellers only ever see their own
// settlements, whatever seller_id they ask for.
func filterFromQuery(c *gin.Context) (Filter, error) {
	var f Filter

	if auth.IsAdmin(c) {
		f.SellerID = c.Query("seller_id")
	} else {
		f.SellerID = auth.ClientID(c)
	}

	if v := c.Query("status"); v != "" {
		status, err := ParseStatus(strings.ToUpper(v))
		if err != nil {
			return f, err
		}
		f.Status = status
	}
	if v := c.Query("from"); v != "" {
		from, err := ParsePeriodBound(v, false)
		if err != nil {
			return f, err
		}
		f.From = &from
	}
	if v := c.Query("to"); v != "" {
		to, err := ParsePeriodBound(v, true)
		if err != nil {
			return f, err
		}
		f.To = &to
	}
	if v := c.Query("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid page %q", v)
		}
		f.Page = page
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = limit
	}
	return f, nil
}

// visible loads a settlement the caller may see. Another seller's
// settlement is reported as not found.
func (h *GinHandlers) visible(c *gin.Context, withItems bool) (*Settlement, error) {
	settlementID := c.Param("settlement_id")
	s, err := h.service.GetSettlement(c.Request.Context(), settlementID)
	if err != nil {
		return nil, err
	}
	if !auth.IsAdmin(c) && s.SellerID != auth.ClientID(c) {
		return nil, newError(KindNotFound, "get settlement", ErrSettlementNotFound)
	}
	if !withItems {
		s.Items = nil
	}
	return s, nil
}

func (h *GinHandlers) BuildSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request buildSettlementRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		start, err := ParsePeriodBound(request.PeriodStart, false)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		end, err := ParsePeriodBound(request.PeriodEnd, true)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.BuildSettlement(c.Request.Context(), BuildRequest{
			SellerID:    request.SellerID,
			PeriodStart: start,
			PeriodEnd:   end,
			Destination: PayoutDestination{
				BankName:      request.BankName,
				AccountNumber: request.AccountNumber,
				AccountHolder: request.AccountHolder,
			},
			ActorID: auth.ClientID(c),
		})
		var typed *Error
		if errors.As(err, &typed) && typed.Kind == KindNothingToSettle {
			// An empty period is an answer, not a failure.
			unsettled := &BuildResult{Settled: false, Reason: ErrNoEligibleTransactions.Error()}
			if typed.Excluded != nil {
				unsettled.Excluded = *typed.Excluded
				unsettled.Reason = fmt.Sprintf("%s (%s)", unsettled.Reason, *typed.Excluded)
			}
			response.OK(c, unsettled)
			return
		}
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) AdvanceStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request advanceStatusRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		target, err := ParseStatus(strings.ToUpper(request.Status))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		updated, err := h.service.AdvanceSettlementStatus(c.Request.Context(), c.Param("settlement_id"), AdvanceRequest{
			Target:    target,
			ActorID:   auth.ClientID(c),
			Reference: request.Reference,
			Notes:     request.Notes,
		})
		response.Handle(c, updated, err)
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.visible(c, true)
		response.Handle(c, s, err)
	}
}

func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settlements, total, err := h.service.ListSettlements(c.Request.Context(), f)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.PaginatedResponse{
			Items:      settlements,
			Pagination: types.NewPagination(f.Page, f.Limit, total),
		})
	}
}

func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		summary, err := h.service.Summary(c.Request.Context(), f)
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) AuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.visible(c, false)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		entries, err := h.service.AuditTrail(c.Request.Context(), s.ID)
		response.Handle(c, entries, err)
	}
}

func (h *GinHandlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		format := strings.ToLower(c.DefaultQuery("format", export.FormatCSV))

		data, err := h.service.Export(c.Request.Context(), format, f)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		filename := fmt.Sprintf("settlements-%s.%s", h.service.Now().UTC().Format("20060102-150405"), format)
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		c.Data(http.StatusOK, export.ContentType(format), data)
	}
}

func (h *GinHandlers) StatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.visible(c, false)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		data, err := h.service.Statement(c.Request.Context(), s.ID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, s.ID))
		c.Data(http.StatusOK, export.ContentType(export.FormatPDF), data)
	}
}

func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Reconcile(c.Request.Context(), c.Param("seller_id"))
		response.Handle(c, report, err)
	}
}

func (h *GinHandlers) PutPayoutAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request payoutAccountRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.RegisterPayoutAccount(c.Request.Context(), c.Param("seller_id"), PayoutDestination{
			BankName:      request.BankName,
			AccountNumber: request.AccountNumber,
			AccountHolder: request.AccountHolder,
		})
		response.Handle(c, account, err)
	}
}

func (h *GinHandlers) GetPayoutAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.service.GetPayoutAccount(c.Request.Context(), c.Param("seller_id"))
		response.Handle(c, account, err)
	}
}

// RegisterRoutes mounts the settlement endpoints. readers must already
// require a valid token; admin must also require the admin role.
func (h *GinHandlers) RegisterRoutes(readers, admin *gin.RouterGroup) {
	readers.GET("", h.ListSettlementsHandler())
	readers.GET("/summary", h.SummaryHandler())
	readers.GET("/export", h.ExportHandler())
	readers.GET("/:settlement_id", h.GetSettlementHandler())
	readers.GET("/:settlement_id/audit", h.AuditTrailHandler())
	readers.GET("/:settlement_id/statement.pdf", h.StatementHandler())

	admin.POST("/settlements", h.BuildSettlementHandler())
	admin.POST("/settlements/:settlement_id/status", h.AdvanceStatusHandler())
	admin.GET("/reconcile/:seller_id", h.ReconcileHandler())
	admin.PUT("/payout-accounts/:seller_id", h.PutPayoutAccountHandler())
	admin.GET("/payout-accounts/:seller_id", h.GetPayoutAccountHandler())
}
