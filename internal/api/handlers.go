package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relaycrm/campaign-engine/internal/config"
	"github.com/relaycrm/campaign-engine/internal/store"
	"github.com/relaycrm/campaign-engine/internal/trigger"
	"github.com/relaycrm/campaign-engine/internal/validator"
	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	defs      store.DefinitionStore
	enrs      store.EnrollmentStore
	triggers  *trigger.Evaluator
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(defs store.DefinitionStore, enrs store.EnrollmentStore, triggers *trigger.Evaluator, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		defs:      defs,
		enrs:      enrs,
		triggers:  triggers,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// tenantID resolves the caller's tenant from header or query parameter.
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant_id")
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.enrs.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "store unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
		"store":  info,
	})
}

// --- Event Intake ---

// IngestEventResponse reports the enrollments an event created.
type IngestEventResponse struct {
	Accepted      bool     `json:"accepted"`
	EnrollmentIDs []string `json:"enrollment_ids,omitempty"`
}

// IngestEvent handles POST /api/v1/events
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event types.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if event.TenantID == "" {
		event.TenantID = tenantID(r)
	}
	if event.TenantID == "" || event.ContactID == "" || event.Kind == "" {
		h.respondError(w, http.StatusBadRequest, "kind, tenant_id and contact_id are required", nil)
		return
	}

	created, err := h.triggers.HandleEvent(ctx, &event)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "event evaluation failed", err)
		return
	}

	resp := IngestEventResponse{Accepted: true}
	for _, e := range created {
		resp.EnrollmentIDs = append(resp.EnrollmentIDs, e.ID)
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

// --- Workflow Management ---

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant := tenantID(r)
	if tenant == "" {
		h.respondError(w, http.StatusBadRequest, "tenant is required", nil)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result := h.validator.ValidateJSON(raw)
	if !result.Valid {
		details := map[string]interface{}{"errors": result.Errors}
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeInvalidGraph, "workflow definition is invalid", details)
		return
	}

	var wf types.WorkflowDefinition
	if err := json.Unmarshal(raw, &wf); err != nil {
		h.respondError(w, http.StatusBadRequest, "decode workflow", err)
		return
	}
	wf.TenantID = tenant
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = types.WorkflowStatusDraft
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	stored, err := h.defs.Put(ctx, &wf)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store workflow", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, stored)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant := tenantID(r)
	if tenant == "" {
		h.respondError(w, http.StatusBadRequest, "tenant is required", nil)
		return
	}
	defs, err := h.defs.List(ctx, tenant)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"workflows": defs})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	wf, err := h.defs.Get(ctx, tenantID(r), id)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			h.respondError(w, http.StatusNotFound, "workflow not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, wf)
}

// setWorkflowStatus transitions a workflow's lifecycle status.
func (h *Handlers) setWorkflowStatus(w http.ResponseWriter, r *http.Request, status types.WorkflowStatus) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	tenant := tenantID(r)

	if status == types.WorkflowStatusActive {
		// Re-check the graph before activation; drafts may be stored
		// half-finished.
		wf, err := h.defs.Get(ctx, tenant, id)
		if err != nil {
			if errors.Is(err, store.ErrWorkflowNotFound) {
				h.respondError(w, http.StatusNotFound, "workflow not found", err)
				return
			}
			h.respondError(w, http.StatusInternalServerError, "failed to get workflow", err)
			return
		}
		if result := h.validator.ValidateGraph(wf); !result.Valid {
			details := map[string]interface{}{"errors": result.Errors}
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeInvalidGraph, "workflow cannot be activated", details)
			return
		}
	}

	if err := h.defs.SetStatus(ctx, tenant, id, status); err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			h.respondError(w, http.StatusNotFound, "workflow not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to update workflow status", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
}

// ActivateWorkflow handles POST /api/v1/workflows/{id}/activate
func (h *Handlers) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	h.setWorkflowStatus(w, r, types.WorkflowStatusActive)
}

// PauseWorkflow handles POST /api/v1/workflows/{id}/pause
func (h *Handlers) PauseWorkflow(w http.ResponseWriter, r *http.Request) {
	h.setWorkflowStatus(w, r, types.WorkflowStatusPaused)
}

// ArchiveWorkflow handles POST /api/v1/workflows/{id}/archive
func (h *Handlers) ArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	h.setWorkflowStatus(w, r, types.WorkflowStatusArchived)
}

// ValidateWorkflow handles POST /api/v1/workflows/validate
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.validator.ValidateJSON(raw))
}

// --- Enrollment Management ---

// ListEnrollments handles GET /api/v1/enrollments
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	opts := store.ListOptions{
		TenantID:   tenantID(r),
		WorkflowID: q.Get("workflow_id"),
		ContactID:  q.Get("contact_id"),
		Status:     types.EnrollmentStatus(q.Get("status")),
		Limit:      100,
	}
	enrs, err := h.enrs.List(ctx, opts)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list enrollments", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"enrollments": enrs})
}

// GetEnrollment handles GET /api/v1/enrollments/{id}
func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	e, err := h.enrs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			h.respondError(w, http.StatusNotFound, "enrollment not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get enrollment", err)
		return
	}
	h.respondJSON(w, http.StatusOK, e)
}

// CancelEnrollmentRequest carries an optional operator-supplied reason.
type CancelEnrollmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelEnrollment handles POST /api/v1/enrollments/{id}/cancel
func (h *Handlers) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req CancelEnrollmentRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := h.enrs.Cancel(ctx, id, reason); err != nil {
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			h.respondError(w, http.StatusNotFound, "enrollment not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to cancel enrollment", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": types.EnrollmentCancelled})
}

// ListAttempts handles GET /api/v1/enrollments/{id}/attempts
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := h.enrs.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrEnrollmentNotFound) {
			h.respondError(w, http.StatusNotFound, "enrollment not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get enrollment", err)
		return
	}

	attempts, err := h.enrs.Attempts(ctx, id, r.URL.Query().Get("since"))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list attempts", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

// StoreInfo handles GET /api/v1/store/info
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.enrs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "store info failed", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Response Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message, "error", err)
	} else {
		h.logger.Warn(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCodeForStatus(status),
		Message: message,
	})
}
