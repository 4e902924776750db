package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// Handler exposes the sale saga over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sales", h.createSale)
	r.Get("/sales/{id}", h.showSale)
	r.Put("/sales/{id}", h.updateSale)
	r.Delete("/sales/{id}", h.deleteSale)
}

type lineRequest struct {
	ProductID    int64           `json:"product_id" validate:"gt=0"`
	VariantID    int64           `json:"variant_id" validate:"gte=0"`
	ProductLabel string          `json:"product_label" validate:"required,max=200"`
	VariantLabel string          `json:"variant_label" validate:"max=200"`
	Size         string          `json:"size" validate:"max=32"`
	Quantity     int64           `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}

type saleRequest struct {
	CustomerID           int64           `json:"customer_id" validate:"gte=0"`
	SoldAt               *time.Time      `json:"sold_at"`
	Channel              string          `json:"channel" validate:"max=64"`
	Note                 string          `json:"note" validate:"max=500"`
	IsPreorder           bool            `json:"is_preorder"`
	DiscountPercent      decimal.Decimal `json:"discount_percent"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	PaymentFee           decimal.Decimal `json:"payment_fee"`
	Shipping             decimal.Decimal `json:"shipping"`
	FixedCostPoolIDs     []int64         `json:"fixed_cost_pool_ids" validate:"dive,gt=0"`
	AcknowledgeShortfall bool            `json:"acknowledge_shortfall"`
	Lines                []lineRequest   `json:"lines" validate:"required,min=1,dive"`
}

func (req saleRequest) input(idempotencyKey string) SaleInput {
	in := SaleInput{
		CustomerID:           req.CustomerID,
		Channel:              req.Channel,
		Note:                 req.Note,
		IsPreorder:           req.IsPreorder,
		DiscountPercent:      req.DiscountPercent,
		DiscountAmount:       req.DiscountAmount,
		PaymentFee:           req.PaymentFee,
		Shipping:             req.Shipping,
		FixedCostPoolIDs:     req.FixedCostPoolIDs,
		AcknowledgeShortfall: req.AcknowledgeShortfall,
		IdempotencyKey:       idempotencyKey,
	}
	if req.SoldAt != nil {
		in.SoldAt = *req.SoldAt
	}
	for _, line := range req.Lines {
		in.Lines = append(in.Lines, LineInput(line))
	}
	return in
}

type resultResponse struct {
	SaleID         int64            `json:"sale_id"`
	CogsPending    bool             `json:"cogs_pending"`
	ShortfallUnits int64            `json:"shortfall_units,omitempty"`
	Warnings       []Warning        `json:"warnings,omitempty"`
	Reversal       *ReversalSummary `json:"reversal,omitempty"`
}

func newResultResponse(res Result) resultResponse {
	return resultResponse{
		SaleID:         res.SaleID,
		CogsPending:    res.CogsPending,
		ShortfallUnits: res.ShortfallUnits,
		Warnings:       res.Warnings,
		Reversal:       res.Reversal,
	}
}

type saleProblem struct {
	httpx.ProblemDetail
	Kind    Kind    `json:"kind"`
	Outcome Outcome `json:"outcome"`
	SaleID  int64   `json:"sale_id,omitempty"`
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.RecordSale(r.Context(), req.input(r.Header.Get("Idempotency-Key")))
	if err != nil {
		h.respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newResultResponse(res))
}

func (h *Handler) updateSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req saleRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.UpdateSale(r.Context(), id, req.input(""))
	if err != nil {
		h.respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newResultResponse(res))
}

func (h *Handler) deleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.DeleteSale(r.Context(), id)
	if err != nil {
		h.respondSaleError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newResultResponse(res))
}

func (h *Handler) showSale(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.GetSale(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) respondSaleError(w http.ResponseWriter, err error) {
	se, ok := AsSaleError(err)
	if !ok {
		httpx.RespondError(w, err)
		return
	}
	status, title := http.StatusInternalServerError, "Sale Not Recorded"
	switch {
	case se.Kind == KindInsufficientStock:
		status, title = http.StatusUnprocessableEntity, "Insufficient Stock"
	case errors.Is(se, ledger.ErrLockTimeout):
		status, title = http.StatusServiceUnavailable, "Stock Busy"
	case se.Partial():
		title = "Sale Recorded But Incomplete"
	}
	httpx.JSON(w, status, saleProblem{
		ProblemDetail: httpx.ProblemDetail{Title: title, Status: status, Detail: se.Error()},
		Kind:          se.Kind,
		Outcome:       se.Outcome,
		SaleID:        se.SaleID,
	})
}
