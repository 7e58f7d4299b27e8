// Package http exposes the billing engine over the JSON API.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/haulbooks/haulbooks/internal/billing"
	"github.com/haulbooks/haulbooks/internal/notify"
	"github.com/haulbooks/haulbooks/internal/observability"
	"github.com/haulbooks/haulbooks/internal/platform/httpx"
	"github.com/haulbooks/haulbooks/internal/tenant"
)

// Handler manages billing endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *billing.Service
	metrics  *observability.Metrics
	validate *validator.Validate
	flights  singleflight.Group
}

// NewHandler builds Handler instance. Metrics may be nil.
func NewHandler(logger *slog.Logger, service *billing.Service, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// MountRoutes registers billing routes. The tenant middleware must already
// have run.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/dashboard", h.dashboard)
	r.Get("/invoices/{id}", h.invoiceDetail)
	r.Post("/invoices/{id}/retry", h.retryInvoice)
	r.Post("/loads/{loadID}/verify", h.verifyLoad)
	r.Post("/loads/{loadID}/submit", h.submitLoad)
	r.Post("/loads/{loadID}/reject", h.rejectLoad)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Tenant Required", "")
		return
	}

	// Concurrent dashboard reads for one tenant share a single build. The
	// build runs detached from the request context so one caller hanging up
	// does not cancel the waiters coalesced behind it.
	key := strconv.FormatInt(tenantID, 10)
	buildCtx := context.WithoutCancel(r.Context())
	v, err, _ := h.flights.Do(key, func() (any, error) {
		return h.service.Dashboard(buildCtx, tenantID)
	})
	if err != nil {
		h.logger.Error("build dashboard", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}

	buckets := v.(billing.Buckets)
	httpx.JSON(w, http.StatusOK, billing.DashboardResponse{
		Counts:  buckets.Counts(),
		Buckets: buckets,
	})
}

func (h *Handler) invoiceDetail(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Tenant Required", "")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Invoice ID", "")
		return
	}

	detail, err := h.service.InvoiceDetail(r.Context(), tenantID, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) verifyLoad(w http.ResponseWriter, r *http.Request) {
	tenantID, loadID, ok := h.tenantAndParam(w, r, "loadID")
	if !ok {
		return
	}

	res, err := h.service.Verify(r.Context(), tenantID, loadID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) submitLoad(w http.ResponseWriter, r *http.Request) {
	tenantID, loadID, ok := h.tenantAndParam(w, r, "loadID")
	if !ok {
		return
	}
	req, ok := h.decodeSubmitRequest(w, r)
	if !ok {
		return
	}

	res, err := h.service.Submit(r.Context(), tenantID, loadID, req.ActorID)
	if err != nil {
		h.logger.Error("submit load",
			slog.Int64("tenant_id", tenantID), slog.Int64("load_id", loadID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveSubmission(string(res.Outcome))

	status := http.StatusCreated
	if res.Outcome == billing.OutcomeSubmissionFailed {
		// The invoice exists; only delivery failed. Not a creation error.
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, billing.ActionResponse{
		Message: notify.SubmitMessage(res),
		Outcome: res.Outcome,
		Invoice: res.Invoice,
	})
}

func (h *Handler) retryInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Tenant Required", "")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Invoice ID", "")
		return
	}
	req, ok := h.decodeSubmitRequest(w, r)
	if !ok {
		return
	}

	res, err := h.service.Retry(r.Context(), tenantID, id, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.metrics.ObserveSubmission(string(res.Outcome))

	status := http.StatusOK
	if res.Outcome == billing.OutcomeSubmissionFailed {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, billing.ActionResponse{
		Message: notify.RetryMessage(res),
		Outcome: res.Outcome,
		Invoice: res.Invoice,
	})
}

func (h *Handler) rejectLoad(w http.ResponseWriter, r *http.Request) {
	tenantID, loadID, ok := h.tenantAndParam(w, r, "loadID")
	if !ok {
		return
	}
	req, ok := h.decodeSubmitRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.RejectLoad(r.Context(), tenantID, loadID, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billing.ActionResponse{Message: "Load sent back for audit review."})
}

func (h *Handler) tenantAndParam(w http.ResponseWriter, r *http.Request, param string) (int64, int64, bool) {
	tenantID, ok := tenant.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Tenant Required", "")
		return 0, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Load ID", "")
		return 0, 0, false
	}
	return tenantID, id, true
}

func (h *Handler) decodeSubmitRequest(w http.ResponseWriter, r *http.Request) (billing.SubmitLoadRequest, bool) {
	var req billing.SubmitLoadRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrInvoiceNotFound), errors.Is(err, billing.ErrLoadNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, billing.ErrLoadNotPending),
		errors.Is(err, billing.ErrLoadAlreadyInvoiced),
		errors.Is(err, billing.ErrNotRetryable):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, billing.ErrSubmissionInFlight):
		httpx.Problem(w, http.StatusConflict, "Submission In Progress", err.Error())
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
