package right

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/pkg/utilities"
)

// Handler contains dependencies for handling rights endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

// NewHandler constructs a new Handler.
func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type listResponse struct {
	utilities.Page
	Rights []entity.Right `json:"rights"`
}

// List answers GET /api/rights and GET /api/rights/{page}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.PathValue("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apperr.Write(w, apperr.Validation("Invalid page."))
			return
		}
		page = n
	}
	rights, p, err := h.svc.Page(r.Context(), page)
	if err != nil {
		h.logger.Warnw("list rights failed", "err", err)
		apperr.Write(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{Page: p, Rights: rights})
}

// All answers GET /api/rights/all.
func (h *Handler) All(w http.ResponseWriter, r *http.Request) {
	rights, p, err := h.svc.All(r.Context())
	if err != nil {
		h.logger.Warnw("list all rights failed", "err", err)
		apperr.Write(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{Page: p, Rights: rights})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
