package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lmsforum-sync/internal/domain"
)

var ErrStateNotFound = errors.New("sync state not found")

type SyncStateRepository interface {
	UpdateSyncStatus(ctx context.Context, key domain.SyncStateKey, mappedRemoteID *string, status domain.SyncStatus, lastError *string) error
	Get(ctx context.Context, key domain.SyncStateKey) (*domain.SyncStateRecord, error)
	GetPendingSyncs(ctx context.Context, limit int) ([]*domain.SyncStateRecord, error)
	ListByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncStateRecord, error)
	CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error)
	ResetSyncState(ctx context.Context, key domain.SyncStateKey) error
	MarkRequeued(ctx context.Context, key domain.SyncStateKey) error
	GetClock(ctx context.Context, key domain.SyncStateKey) (domain.VectorClock, error)
	SaveClock(ctx context.Context, key domain.SyncStateKey, clock domain.VectorClock) error
	GetTargetID(ctx context.Context, key domain.SyncStateKey) (string, error)
	GetSourceID(ctx context.Context, entityType domain.EntityType, source domain.SourceSystem, remoteID string) (string, error)
}

const (
	stateColumns = `entity_type, entity_id, source_system, mapped_remote_id, status, last_error, retry_count, vector_clock, last_synced_at, created_at, updated_at`

	upsertStatusQuery = `INSERT INTO sync_state (entity_type, entity_id, source_system, mapped_remote_id, status, last_error, retry_count, last_synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (entity_type, entity_id, source_system) DO UPDATE SET
    mapped_remote_id = COALESCE(EXCLUDED.mapped_remote_id, sync_state.mapped_remote_id),
    status = EXCLUDED.status,
    last_error = EXCLUDED.last_error,
    retry_count = CASE EXCLUDED.status
        WHEN 'FAILED' THEN sync_state.retry_count + 1
        WHEN 'SYNCED' THEN 0
        ELSE sync_state.retry_count
    END,
    last_synced_at = COALESCE(EXCLUDED.last_synced_at, sync_state.last_synced_at),
    updated_at = EXCLUDED.updated_at`

	getStateQuery = `SELECT ` + stateColumns + ` FROM sync_state WHERE entity_type = $1 AND entity_id = $2 AND source_system = $3`

	pendingQuery = `SELECT ` + stateColumns + ` FROM sync_state WHERE status IN ('PENDING', 'FAILED') ORDER BY updated_at ASC LIMIT $1`

	byStatusQuery = `SELECT ` + stateColumns + ` FROM sync_state WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`

	countQuery = `SELECT status, COUNT(*) FROM sync_state GROUP BY status`

	resetQuery = `UPDATE sync_state SET status = 'PENDING', last_error = NULL, retry_count = 0, updated_at = $4 WHERE entity_type = $1 AND entity_id = $2 AND source_system = $3`

	requeueQuery = `UPDATE sync_state SET status = 'PENDING', updated_at = $4 WHERE entity_type = $1 AND entity_id = $2 AND source_system = $3`

	getClockQuery = `SELECT vector_clock FROM sync_state WHERE entity_type = $1 AND entity_id = $2 AND source_system = $3`

	saveClockQuery = `INSERT INTO sync_state (entity_type, entity_id, source_system, vector_clock, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (entity_type, entity_id, source_system) DO UPDATE SET
    vector_clock = EXCLUDED.vector_clock,
    updated_at = EXCLUDED.updated_at`

	targetIDQuery = `SELECT mapped_remote_id FROM sync_state WHERE entity_type = $1 AND entity_id = $2 AND source_system = $3`

	sourceIDQuery = `SELECT entity_id FROM sync_state WHERE entity_type = $1 AND source_system = $2 AND mapped_remote_id = $3 LIMIT 1`
)

type PostgresSyncStateRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSyncStateRepository(db *sql.DB) *PostgresSyncStateRepository {
	return &PostgresSyncStateRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// UpdateSyncStatus upserts the record for key. A nil mappedRemoteID keeps the
// stored mapping. FAILED increments retry_count and SYNCED resets it.
func (r *PostgresSyncStateRepository) UpdateSyncStatus(ctx context.Context, key domain.SyncStateKey, mappedRemoteID *string, status domain.SyncStatus, lastError *string) error {
	now := r.now()

	initialRetries := 0
	if status == domain.SyncStatusFailed {
		initialRetries = 1
	}
	var syncedAt *time.Time
	if status == domain.SyncStatusSynced {
		syncedAt = &now
	}

	_, err := r.db.ExecContext(ctx, upsertStatusQuery,
		string(key.EntityType), key.EntityID, string(key.SourceSystem),
		mappedRemoteID, string(status), lastError, initialRetries, syncedAt, now)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

func (r *PostgresSyncStateRepository) Get(ctx context.Context, key domain.SyncStateKey) (*domain.SyncStateRecord, error) {
	row := r.db.QueryRowContext(ctx, getStateQuery, string(key.EntityType), key.EntityID, string(key.SourceSystem))

	record, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return record, nil
}

// GetPendingSyncs returns PENDING and FAILED records, least recently updated first.
func (r *PostgresSyncStateRepository) GetPendingSyncs(ctx context.Context, limit int) ([]*domain.SyncStateRecord, error) {
	rows, err := r.db.QueryContext(ctx, pendingQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending syncs: %w", err)
	}
	return collectStates(rows)
}

func (r *PostgresSyncStateRepository) ListByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncStateRecord, error) {
	rows, err := r.db.QueryContext(ctx, byStatusQuery, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync states: %w", err)
	}
	return collectStates(rows)
}

func (r *PostgresSyncStateRepository) CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, countQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync states: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int, len(domain.SyncStatuses))
	for _, s := range domain.SyncStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[domain.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// ResetSyncState puts a record back to PENDING with a clean error and retry count.
func (r *PostgresSyncStateRepository) ResetSyncState(ctx context.Context, key domain.SyncStateKey) error {
	return r.execExisting(ctx, resetQuery, key, "reset sync state")
}

// MarkRequeued records that a retry was published. retry_count is preserved
// so the backoff keeps growing.
func (r *PostgresSyncStateRepository) MarkRequeued(ctx context.Context, key domain.SyncStateKey) error {
	return r.execExisting(ctx, requeueQuery, key, "mark requeued")
}

func (r *PostgresSyncStateRepository) execExisting(ctx context.Context, query string, key domain.SyncStateKey, action string) error {
	res, err := r.db.ExecContext(ctx, query, string(key.EntityType), key.EntityID, string(key.SourceSystem), r.now())
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if n == 0 {
		return ErrStateNotFound
	}
	return nil
}

// GetClock returns the stored clock for key, or an empty clock when none is stored.
func (r *PostgresSyncStateRepository) GetClock(ctx context.Context, key domain.SyncStateKey) (domain.VectorClock, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, getClockQuery, string(key.EntityType), key.EntityID, string(key.SourceSystem)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VectorClock{}, nil
		}
		return nil, fmt.Errorf("failed to get vector clock: %w", err)
	}
	return decodeClock(raw)
}

func (r *PostgresSyncStateRepository) SaveClock(ctx context.Context, key domain.SyncStateKey, clock domain.VectorClock) error {
	if clock == nil {
		clock = domain.VectorClock{}
	}
	raw, err := json.Marshal(clock)
	if err != nil {
		return fmt.Errorf("failed to encode vector clock: %w", err)
	}

	_, err = r.db.ExecContext(ctx, saveClockQuery,
		string(key.EntityType), key.EntityID, string(key.SourceSystem), raw, r.now())
	if err != nil {
		return fmt.Errorf("failed to save vector clock: %w", err)
	}
	return nil
}

func (r *PostgresSyncStateRepository) GetTargetID(ctx context.Context, key domain.SyncStateKey) (string, error) {
	var remoteID sql.NullString
	err := r.db.QueryRowContext(ctx, targetIDQuery, string(key.EntityType), key.EntityID, string(key.SourceSystem)).Scan(&remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrStateNotFound
		}
		return "", fmt.Errorf("failed to get target id: %w", err)
	}
	if !remoteID.Valid {
		return "", ErrStateNotFound
	}
	return remoteID.String, nil
}

// GetSourceID maps a remote id back to the originating entity id.
func (r *PostgresSyncStateRepository) GetSourceID(ctx context.Context, entityType domain.EntityType, source domain.SourceSystem, remoteID string) (string, error) {
	var entityID string
	err := r.db.QueryRowContext(ctx, sourceIDQuery, string(entityType), string(source), remoteID).Scan(&entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrStateNotFound
		}
		return "", fmt.Errorf("failed to get source id: %w", err)
	}
	return entityID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*domain.SyncStateRecord, error) {
	var (
		record     domain.SyncStateRecord
		entityType string
		source     string
		status     string
		remoteID   sql.NullString
		lastError  sql.NullString
		clockRaw   []byte
		syncedAt   sql.NullTime
	)

	err := row.Scan(&entityType, &record.EntityID, &source, &remoteID, &status, &lastError,
		&record.RetryCount, &clockRaw, &syncedAt, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}

	record.EntityType = domain.EntityType(entityType)
	record.SourceSystem = domain.SourceSystem(source)
	record.Status = domain.SyncStatus(status)
	if remoteID.Valid {
		record.MappedRemoteID = &remoteID.String
	}
	if lastError.Valid {
		record.LastError = &lastError.String
	}
	if syncedAt.Valid {
		record.LastSyncedAt = &syncedAt.Time
	}

	record.VectorClock, err = decodeClock(clockRaw)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func collectStates(rows *sql.Rows) ([]*domain.SyncStateRecord, error) {
	defer rows.Close()

	var records []*domain.SyncStateRecord
	for rows.Next() {
		record, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync states: %w", err)
	}
	return records, nil
}

func decodeClock(raw []byte) (domain.VectorClock, error) {
	clock := domain.VectorClock{}
	if len(raw) == 0 {
		return clock, nil
	}
	if err := json.Unmarshal(raw, &clock); err != nil {
		return nil, fmt.Errorf("failed to decode vector clock: %w", err)
	}
	return clock, nil
}
