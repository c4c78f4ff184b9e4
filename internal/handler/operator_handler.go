package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/middleware"
	"lmsforum-sync/internal/service"
	"lmsforum-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const defaultListLimit = 100

type SyncOperations interface {
	Status(ctx context.Context) (*domain.StatusReport, error)
	GetSyncState(ctx context.Context, key domain.SyncStateKey) (*domain.SyncStateRecord, error)
	FindByRemoteID(ctx context.Context, entityType domain.EntityType, source domain.SourceSystem, remoteID string) (*domain.SyncStateRecord, error)
	ListSyncStates(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncStateRecord, error)
	ResetSyncState(ctx context.Context, key domain.SyncStateKey) error
	GetTransaction(ctx context.Context, id string) (*domain.SyncTransaction, error)
	ListTransactions(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error)
}

type ConflictOperations interface {
	ListOpen(ctx context.Context) ([]*domain.SyncConflict, error)
	Get(ctx context.Context, id string) (*domain.SyncConflict, error)
	Resolve(ctx context.Context, id string, strategy domain.ResolutionStrategy) (*domain.ConflictResolutionResponse, error)
}

type RetryRunner interface {
	RunOnce(ctx context.Context) (map[domain.Priority]int, error)
}

// OperatorHandler serves the operator API under /api/v1.
type OperatorHandler struct {
	sync      SyncOperations
	conflicts ConflictOperations
	retries   RetryRunner
	validator *validator.Validate
	log       *logrus.Entry
}

func NewOperatorHandler(sync SyncOperations, conflicts ConflictOperations, retries RetryRunner, log *logrus.Entry) *OperatorHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OperatorHandler{
		sync:      sync,
		conflicts: conflicts,
		retries:   retries,
		validator: validator.New(),
		log:       log.WithField("component", "operator_api"),
	}
}

func (h *OperatorHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.Status(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	response.Success(w, report)
}

func (h *OperatorHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.conflicts.ListOpen(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*domain.SyncConflict{}
	}
	response.Success(w, conflicts)
}

func (h *OperatorHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.conflicts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	response.Success(w, conflict)
}

func (h *OperatorHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req domain.ConflictResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	res, err := h.conflicts.Resolve(r.Context(), id, req.Strategy)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"conflict_id": id,
		"operator":    middleware.GetOperator(r),
	}).Info("conflict resolved by operator")
	response.Success(w, res)
}

func (h *OperatorHandler) TriggerRetries(w http.ResponseWriter, r *http.Request) {
	counts, err := h.retries.RunOnce(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	requeued := make(map[string]int, len(counts))
	for p, n := range counts {
		requeued[p.String()] = n
	}
	response.Accepted(w, map[string]interface{}{"requeued": requeued})
}

func (h *OperatorHandler) ListSyncStates(w http.ResponseWriter, r *http.Request) {
	status := domain.SyncStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.SyncStatusFailed
	}
	if !validStatus(status) {
		response.BadRequest(w, "invalid status")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.sync.ListSyncStates(r.Context(), status, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if records == nil {
		records = []*domain.SyncStateRecord{}
	}
	response.Success(w, records)
}

func (h *OperatorHandler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	key, ok := stateKeyFromRequest(w, r)
	if !ok {
		return
	}
	record, err := h.sync.GetSyncState(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	response.Success(w, record)
}

// GetSyncStateByRemote looks an entity up by the id it was given on the
// target system, e.g. the forum post created for a submission.
func (h *OperatorHandler) GetSyncStateByRemote(w http.ResponseWriter, r *http.Request) {
	key, ok := stateKeyFromRequest(w, r)
	if !ok {
		return
	}
	record, err := h.sync.FindByRemoteID(r.Context(), key.EntityType, key.SourceSystem, mux.Vars(r)["remote_id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	response.Success(w, record)
}

func (h *OperatorHandler) ResetSyncState(w http.ResponseWriter, r *http.Request) {
	key, ok := stateKeyFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.sync.ResetSyncState(r.Context(), key); err != nil {
		h.fail(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"entity_type": key.EntityType,
		"entity_id":   key.EntityID,
		"operator":    middleware.GetOperator(r),
	}).Info("sync state reset")
	response.Success(w, map[string]string{"status": string(domain.SyncStatusPending)})
}

func (h *OperatorHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.sync.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	response.Success(w, tx)
}

func (h *OperatorHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	entityType, err := domain.ParseEntityType(r.URL.Query().Get("entity_type"))
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		response.BadRequest(w, "entity_id is required")
		return
	}

	txs, err := h.sync.ListTransactions(r.Context(), entityType, entityID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if txs == nil {
		txs = []*domain.SyncTransaction{}
	}
	response.Success(w, txs)
}

func (h *OperatorHandler) fail(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("operator request failed")
	}
	response.Error(w, status, msg)
}

// errorStatus maps pipeline errors to HTTP statuses.
func errorStatus(err error) (int, string) {
	var conflictErr *service.ConflictError
	switch {
	case errors.Is(err, service.ErrConflictNotFound),
		errors.Is(err, service.ErrStateNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrConflictAlreadyResolved), errors.As(err, &conflictErr),
		errors.Is(err, domain.ErrNothingToResolve):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrPublish), errors.Is(err, service.ErrNotInitialized):
		return http.StatusServiceUnavailable, "sync queue unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func stateKeyFromRequest(w http.ResponseWriter, r *http.Request) (domain.SyncStateKey, bool) {
	vars := mux.Vars(r)
	entityType, err := domain.ParseEntityType(vars["type"])
	if err != nil {
		response.BadRequest(w, err.Error())
		return domain.SyncStateKey{}, false
	}

	source := domain.SourceLMS
	if raw := r.URL.Query().Get("source"); raw != "" {
		source, err = domain.ParseSourceSystem(raw)
		if err != nil {
			response.BadRequest(w, err.Error())
			return domain.SyncStateKey{}, false
		}
	}

	return domain.SyncStateKey{EntityType: entityType, EntityID: vars["id"], SourceSystem: source}, true
}

func validStatus(s domain.SyncStatus) bool {
	for _, known := range domain.SyncStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Register mounts the operator routes on an already authenticated router.
func (h *OperatorHandler) Register(r *mux.Router) {
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/conflicts", h.ListConflicts).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/conflicts/{id}", h.GetConflict).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/conflicts/{id}/resolve", h.ResolveConflict).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/retries", h.TriggerRetries).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/sync-state", h.ListSyncStates).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/sync-state/{type}/remote/{remote_id}", h.GetSyncStateByRemote).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/sync-state/{type}/{id}", h.GetSyncState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/sync-state/{type}/{id}/reset", h.ResetSyncState).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet, http.MethodOptions)
}
