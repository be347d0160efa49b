package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	"qualia-backend/domain/mutation"
	"qualia-backend/pkg/common"
	pkgerrors "qualia-backend/pkg/errors"
)

// MessageScheduler lets the handler nudge the integration pipeline as
// soon as a message is ingested instead of waiting for a delivery poll.
type MessageScheduler interface {
	Notify(ctx context.Context, entityID string)
}

// Compactor triggers a compaction run on demand.
type Compactor interface {
	Compact(ctx context.Context, entityID string) error
}

// EntityHandler serves the ingestion and inspection API for entities
// and their knowledge graphs.
type EntityHandler struct {
	entities  ports.EntityRepository
	versions  ports.VersionRepository
	messages  ports.MessageRepository
	audits    ports.AuditRepository
	scheduler MessageScheduler
	compactor Compactor
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewEntityHandler(
	entities ports.EntityRepository,
	versions ports.VersionRepository,
	messages ports.MessageRepository,
	audits ports.AuditRepository,
	scheduler MessageScheduler,
	compactor Compactor,
	logger *zap.Logger,
) *EntityHandler {
	return &EntityHandler{
		entities:  entities,
		versions:  versions,
		messages:  messages,
		audits:    audits,
		scheduler: scheduler,
		compactor: compactor,
		validate:  validator.New(),
		logger:    logger,
	}
}

type appendMessageRequest struct {
	SenderID  string     `json:"sender_id" validate:"required"`
	Body      string     `json:"body" validate:"required"`
	Amount    *int64     `json:"amount,omitempty" validate:"omitempty,gte=0"`
	DeliverAt *time.Time `json:"deliver_at,omitempty"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	DeliverAt time.Time `json:"deliver_at"`
}

// AppendMessage handles POST /api/v1/entities/{entityID}/messages
func (h *EntityHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	deliverAt := time.Now()
	if req.DeliverAt != nil {
		deliverAt = *req.DeliverAt
	}

	msg := entities.NewPendingMessage(entityID, req.SenderID, req.Body, req.Amount, deliverAt)
	if err := h.messages.Append(r.Context(), msg); err != nil {
		h.respondAppError(w, err)
		return
	}

	if h.scheduler != nil && !deliverAt.After(time.Now()) {
		h.scheduler.Notify(r.Context(), entityID)
	}

	common.RespondJSON(w, http.StatusAccepted, messageResponse{
		ID:        msg.ID,
		EntityID:  entityID,
		DeliverAt: msg.DeliverAt,
	})
}

// GetEntity handles GET /api/v1/entities/{entityID}
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	record, err := h.entities.Get(r.Context(), entityID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, record)
}

type graphResponse struct {
	VersionID  string           `json:"version_id"`
	NodeCount  int              `json:"node_count"`
	Serialized string           `json:"serialized"`
	Nodes      []*entities.Node `json:"nodes"`
}

// GetGraph handles GET /api/v1/entities/{entityID}/graph. Nodes come
// back in presentation order: roots first, assumptions expanded before
// unrelated conclusions.
func (h *EntityHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	record, err := h.entities.Get(r.Context(), entityID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	if record.CurrentVersionID == "" {
		common.RespondError(w, http.StatusNotFound, "NOT_FOUND", "entity has no graph yet")
		return
	}

	graph, err := h.versions.Load(r.Context(), entityID, record.CurrentVersionID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}

	common.RespondJSON(w, http.StatusOK, graphResponse{
		VersionID:  graph.ID,
		NodeCount:  graph.NodeCount(),
		Serialized: mutation.Serialize(graph),
		Nodes:      mutation.Flatten(graph),
	})
}

// GetVersion handles GET /api/v1/entities/{entityID}/versions/{versionID},
// exposing historical graph versions for debugging and audit review.
func (h *EntityHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	versionID := chi.URLParam(r, "versionID")

	graph, err := h.versions.Load(r.Context(), entityID, versionID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, graphResponse{
		VersionID:  graph.ID,
		NodeCount:  graph.NodeCount(),
		Serialized: mutation.Serialize(graph),
		Nodes:      mutation.Flatten(graph),
	})
}

// ListAudits handles GET /api/v1/entities/{entityID}/audits
func (h *EntityHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			common.RespondError(w, http.StatusBadRequest, "VALIDATION", "limit must be an integer between 1 and 200")
			return
		}
		limit = parsed
	}

	records, err := h.audits.ListByEntity(r.Context(), entityID, limit)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, records)
}

// ListMessages handles GET /api/v1/entities/{entityID}/messages,
// returning the delivered-but-unintegrated backlog.
func (h *EntityHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	pending, err := h.messages.ListUnacknowledged(r.Context(), entityID)
	if err != nil {
		h.respondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, pending)
}

// TriggerCompaction handles POST /api/v1/entities/{entityID}/compact
func (h *EntityHandler) TriggerCompaction(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	if err := h.compactor.Compact(r.Context(), entityID); err != nil {
		h.respondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusAccepted, map[string]string{"entity_id": entityID})
}

func (h *EntityHandler) respondAppError(w http.ResponseWriter, err error) {
	appErr := pkgerrors.GetAppError(err)
	if appErr == nil {
		h.logger.Error("Unhandled error in HTTP handler", zap.Error(err))
		common.RespondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Type {
	case pkgerrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case pkgerrors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case pkgerrors.ErrorTypeConflict, pkgerrors.ErrorTypeLockVerification:
		status = http.StatusConflict
	case pkgerrors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}
	common.RespondError(w, status, string(appErr.Type), appErr.Message)
}
