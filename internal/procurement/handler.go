package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// Enqueuer schedules a cost correction in the background.
type Enqueuer interface {
	EnqueueCostRecompute(ctx context.Context, purchaseOrderID int64, duty decimal.Decimal) error
}

// Handler manages procurement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer Enqueuer
}

// NewHandler builds Handler instance. enqueuer may be nil, which disables async duty.
func NewHandler(logger *slog.Logger, service *Service, enqueuer Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/procurement/orders/{id}", func(r chi.Router) {
		r.Get("/", h.showOrder)
		r.Post("/arrive", h.arrive)
		r.Post("/duty", h.applyDuty)
	})
}

type arriveRequest struct {
	ReceivedAt *time.Time `json:"received_at"`
}

type dutyRequest struct {
	DutyCost *decimal.Decimal `json:"duty_cost" validate:"required"`
	Async    bool             `json:"async"`
}

func (h *Handler) showOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) arrive(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req arriveRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	var receivedAt time.Time
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}
	arrival, err := h.service.MarkArrived(r.Context(), id, receivedAt)
	if err != nil {
		h.logger.Warn("procurement: arrival failed", slog.Int64("purchase_order_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusCreated
	if arrival.AlreadyPosted {
		status = http.StatusOK
	}
	httpx.JSON(w, status, arrival)
}

func (h *Handler) applyDuty(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req dutyRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Async && h.enqueuer != nil {
		if err := h.enqueuer.EnqueueCostRecompute(r.Context(), id, *req.DutyCost); err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"purchase_order_id": id, "queued": true})
		return
	}
	correction, err := h.service.ApplyDeferredDuty(r.Context(), id, *req.DutyCost)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, correction)
}
