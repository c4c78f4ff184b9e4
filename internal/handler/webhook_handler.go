package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/service"
	"lmsforum-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type RequestPublisher interface {
	PublishWithClock(ctx context.Context, req domain.PublishRequest) (string, error)
}

// Spool keeps publish requests the broker could not take.
type Spool interface {
	Put(req domain.PublishRequest) (uint64, error)
}

// WebhookHandler turns change notifications from either system into sync events.
type WebhookHandler struct {
	publisher RequestPublisher
	spool     Spool
	validator *validator.Validate
	log       *logrus.Entry
}

func NewWebhookHandler(publisher RequestPublisher, spool Spool, log *logrus.Entry) *WebhookHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WebhookHandler{
		publisher: publisher,
		spool:     spool,
		validator: validator.New(),
		log:       log.WithField("component", "webhooks"),
	}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSourceSystem(mux.Vars(r)["source"])
	if err != nil {
		response.NotFound(w, "unknown source system")
		return
	}

	var req domain.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	pubReq, err := toPublishRequest(source, req)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	log := h.log.WithFields(logrus.Fields{
		"source":      source,
		"entity_type": pubReq.EntityType,
		"entity_id":   pubReq.EntityID,
		"operation":   pubReq.Operation,
	})
	queue := pubReq.Priority.QueueName()

	txID, err := h.publisher.PublishWithClock(r.Context(), pubReq)
	switch {
	case err == nil:
		log.WithField("transaction_id", txID).Debug("webhook accepted")
		response.Accepted(w, domain.PublishResponse{TransactionID: txID, Queue: queue})

	case h.spool != nil && (errors.Is(err, service.ErrPublish) || errors.Is(err, service.ErrNotInitialized)):
		if _, spoolErr := h.spool.Put(pubReq); spoolErr != nil {
			log.WithError(spoolErr).Error("failed to spool webhook after publish failure")
			response.ServiceUnavailable(w, "sync queue unavailable")
			return
		}
		log.WithError(err).Warn("broker unavailable, webhook spooled")
		response.Accepted(w, domain.PublishResponse{Queue: queue, Spooled: true})

	default:
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).Error("failed to publish webhook")
		}
		response.Error(w, status, msg)
	}
}

func toPublishRequest(source domain.SourceSystem, req domain.WebhookRequest) (domain.PublishRequest, error) {
	entityType, err := domain.ParseEntityType(req.EntityType)
	if err != nil {
		return domain.PublishRequest{}, err
	}
	op, err := domain.ParseOperation(req.Operation)
	if err != nil {
		return domain.PublishRequest{}, err
	}

	return domain.PublishRequest{
		Priority:   domain.PriorityFor(entityType),
		EntityType: entityType,
		EntityID:   req.EntityID,
		Operation:  op,
		Source:     source,
		Data:       req.Data,
		BaseClock:  req.VectorClock,
	}, nil
}

func (h *WebhookHandler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/{source}", h.Receive).Methods(http.MethodPost, http.MethodOptions)
}
