// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the allocation engine.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/logger"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/service"
)

// Handler holds all HTTP handlers for the allocation API.
type Handler struct {
	engine   *service.Engine
	waitlist *service.WaitlistManager
	events   *service.EventService
	validate *validator.Validate
	log      *zap.Logger
}

// New constructs a Handler.
func New(engine *service.Engine, waitlist *service.WaitlistManager, events *service.EventService, log *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		waitlist: waitlist,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.OrNop(log),
	}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// bind decodes and validates a request body. It writes a 400 and returns
// false when the body is unusable.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
				Error: "field " + fe.Field() + " failed on " + fe.Tag(),
				Code:  model.Code(model.ErrInvalidInput),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity
	case model.IsConflictError(err):
		return http.StatusConflict
	case model.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError renders an engine error. Internal errors are logged and
// hidden from the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := model.ErrorResponse{Error: err.Error(), Code: model.Code(err)}

	var qe *model.QuotaError
	if errors.As(err, &qe) && qe.Remaining >= 0 {
		remaining := qe.Remaining
		resp.Remaining = &remaining
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.log.Warn("request gave up on contention", zap.String("path", r.URL.Path), zap.Error(err))
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if !h.bind(w, r, &req) {
		return
	}

	event, err := h.events.CreateEvent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListEvents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// UpdateEventStatus handles PATCH /events/{id}/status
func (h *Handler) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventStatusRequest
	if !h.bind(w, r, &req) {
		return
	}

	event, err := h.events.UpdateEventStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// Capacity handles GET /events/{id}/capacity
func (h *Handler) Capacity(w http.ResponseWriter, r *http.Request) {
	view, err := h.events.Capacity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// ─── Tables ───────────────────────────────────────────────────────────────────

// CreateTable handles POST /events/{id}/tables
func (h *Handler) CreateTable(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTableRequest
	if !h.bind(w, r, &req) {
		return
	}

	table, err := h.events.CreateTable(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, table)
}

// ListTables handles GET /events/{id}/tables
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.events.ListTables(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if tables == nil {
		tables = []model.Table{}
	}

	writeJSON(w, http.StatusOK, tables)
}

// SetTableActive handles PATCH /events/{id}/tables/{tableID}
func (h *Handler) SetTableActive(w http.ResponseWriter, r *http.Request) {
	var req model.SetTableActiveRequest
	if !h.bind(w, r, &req) {
		return
	}

	table, err := h.events.SetTableActive(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tableID"), *req.Active)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, table)
}

// ─── Registrations ────────────────────────────────────────────────────────────

// Register handles POST /events/{id}/register
// Capacity events get seats, table events the smallest fitting table.
// A waitlisted registration is answered with 202.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !h.bind(w, r, &req) {
		return
	}

	reg, err := h.engine.Register(r.Context(), chi.URLParam(r, "id"), req.RequesterID, req.Units)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if reg.Status == model.RegistrationWaitlist {
		status = http.StatusAccepted
	}
	writeJSON(w, status, model.ResultOf(reg))
}

// ListRegistrations handles GET /events/{id}/registrations
func (h *Handler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.events.ListRegistrations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// GetRegistration handles GET /registrations/{id}
func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.events.GetRegistration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, reg)
}

// Cancel handles POST /registrations/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if r.ContentLength != 0 && !h.bind(w, r, &req) {
		return
	}

	res, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), service.CancelInput{
		Reason:      req.Reason,
		ByRequester: req.ByRequester,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ─── Waitlist ─────────────────────────────────────────────────────────────────

// Waitlist handles GET /events/{id}/waitlist
func (h *Handler) Waitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.waitlist.Waitlist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if entries == nil {
		entries = []model.WaitlistEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// AssignTable handles POST /events/{id}/waitlist/{registrationID}/assign
func (h *Handler) AssignTable(w http.ResponseWriter, r *http.Request) {
	var req model.AssignTableRequest
	if !h.bind(w, r, &req) {
		return
	}

	reg, err := h.waitlist.PromoteToTable(r.Context(), service.PromoteToTableInput{
		EventID:        chi.URLParam(r, "id"),
		RegistrationID: chi.URLParam(r, "registrationID"),
		TableID:        req.TableID,
		Force:          req.Force,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ResultOf(reg))
}

// Promote handles POST /events/{id}/waitlist/{registrationID}/promote
func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	reg, err := h.waitlist.PromoteCapacity(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "registrationID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ResultOf(reg))
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.events.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
