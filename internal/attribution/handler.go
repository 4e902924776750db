package attribution

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler serves margin reports.
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

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports/margins/{dimension}", h.margins)
}

func (h *Handler) margins(w http.ResponseWriter, r *http.Request) {
	dim := Dimension(chi.URLParam(r, "dimension"))
	period, err := parsePeriod(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), dim, period)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

// parsePeriod accepts dates (2006-01-02) or RFC3339 timestamps. A date in "to" is inclusive.
func parsePeriod(from, to string) (Period, error) {
	start, _, err := parseBound(from)
	if err != nil {
		return Period{}, err
	}
	end, dateOnly, err := parseBound(to)
	if err != nil {
		return Period{}, err
	}
	if dateOnly {
		end = end.AddDate(0, 0, 1)
	}
	return Period{From: start, To: end}, nil
}

func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: invalid date %q", shared.ErrValidation, raw)
	}
	return t, false, nil
}
