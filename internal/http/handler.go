package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/services"
	"P2PAutoPay/internal/store"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OrderService is what the handlers need from services.OrderService.
type OrderService interface {
	GetOrder(ctx context.Context, orderNumber string) (*models.Order, error)
	ListOrders(ctx context.Context, status string, limit int) ([]*models.Order, error)
	ListEvents(ctx context.Context, orderNumber string) ([]*models.Event, error)
	CancelOrder(ctx context.Context, orderNumber, reason string) (*models.Order, error)
	RequeueOrder(ctx context.Context, orderNumber string, details models.PaymentDetails) (*models.Order, error)
	Health(ctx context.Context) error
}

type Handler struct {
	Orders OrderService
	Logger *zap.Logger
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type requeueRequest struct {
	CVU    string `json:"cvu"`
	Alias  string `json:"alias"`
	Holder string `json:"holder"`
}

func NewHandler(orders OrderService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orders: orders, Logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.Health(r.Context()); err != nil {
		h.Logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	orders, err := h.Orders.ListOrders(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.fail(w, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.fail(w, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Orders.ListEvents(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.fail(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	order, err := h.Orders.CancelOrder(r.Context(), chi.URLParam(r, "orderNumber"), req.Reason)
	if err != nil {
		h.fail(w, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) RequeueOrder(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	details := models.PaymentDetails{CVU: req.CVU, Alias: req.Alias, Holder: req.Holder}
	order, err := h.Orders.RequeueOrder(r.Context(), chi.URLParam(r, "orderNumber"), details)
	if err != nil {
		h.fail(w, "requeue order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// fail maps domain errors to status codes and logs the unexpected ones.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrMissingDestination):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, services.ErrNotInManualReview),
		errors.Is(err, store.ErrAlreadyRecorded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		h.Logger.Error(op, zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.Logger.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
