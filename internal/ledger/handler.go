package ledger

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// Handler exposes read-only lot views.
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

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/inventory/variants/{id}/lots", h.listLots)
}

type lotsResponse struct {
	VariantID int64          `json:"variant_id"`
	Available int64          `json:"available"`
	Lots      []InventoryLot `json:"lots"`
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lots, err := h.service.LotsForVariant(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if lots == nil {
		lots = []InventoryLot{}
	}
	httpx.JSON(w, http.StatusOK, lotsResponse{VariantID: id, Available: Available(lots), Lots: lots})
}
