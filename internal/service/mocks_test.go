package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lmsforum-sync/internal/client"
	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/repository"
)

type mockStateRepo struct {
	mu       sync.Mutex
	records  map[domain.SyncStateKey]*domain.SyncStateRecord
	now      func() time.Time
	clockErr error
}

func newMockStateRepo() *mockStateRepo {
	return &mockStateRepo{
		records: make(map[domain.SyncStateKey]*domain.SyncStateRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *mockStateRepo) ensure(key domain.SyncStateKey) *domain.SyncStateRecord {
	r, ok := m.records[key]
	if !ok {
		now := m.now()
		r = &domain.SyncStateRecord{
			SyncStateKey: key,
			Status:       domain.SyncStatusPending,
			VectorClock:  domain.VectorClock{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.records[key] = r
	}
	return r
}

func (m *mockStateRepo) UpdateSyncStatus(ctx context.Context, key domain.SyncStateKey, mappedRemoteID *string, status domain.SyncStatus, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.ensure(key)
	if mappedRemoteID != nil {
		id := *mappedRemoteID
		r.MappedRemoteID = &id
	}
	r.Status = status
	r.LastError = lastError
	switch status {
	case domain.SyncStatusFailed:
		r.RetryCount++
	case domain.SyncStatusSynced:
		r.RetryCount = 0
		now := m.now()
		r.LastSyncedAt = &now
	}
	r.UpdatedAt = m.now()
	return nil
}

func (m *mockStateRepo) Get(ctx context.Context, key domain.SyncStateKey) (*domain.SyncStateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, repository.ErrStateNotFound
	}
	cp := *r
	cp.VectorClock = r.VectorClock.Clone()
	return &cp, nil
}

func (m *mockStateRepo) GetPendingSyncs(ctx context.Context, limit int) ([]*domain.SyncStateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.SyncStateRecord
	for _, r := range m.records {
		if r.Status == domain.SyncStatusPending || r.Status == domain.SyncStatusFailed {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStateRepo) ListByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncStateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SyncStateRecord
	for _, r := range m.records {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStateRepo) CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[domain.SyncStatus]int{}
	for _, s := range domain.SyncStatuses {
		counts[s] = 0
	}
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *mockStateRepo) ResetSyncState(ctx context.Context, key domain.SyncStateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return repository.ErrStateNotFound
	}
	r.Status = domain.SyncStatusPending
	r.LastError = nil
	r.RetryCount = 0
	r.UpdatedAt = m.now()
	return nil
}

func (m *mockStateRepo) MarkRequeued(ctx context.Context, key domain.SyncStateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return repository.ErrStateNotFound
	}
	r.Status = domain.SyncStatusPending
	r.UpdatedAt = m.now()
	return nil
}

func (m *mockStateRepo) GetClock(ctx context.Context, key domain.SyncStateKey) (domain.VectorClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clockErr != nil {
		return nil, m.clockErr
	}
	if r, ok := m.records[key]; ok {
		return r.VectorClock.Clone(), nil
	}
	return domain.VectorClock{}, nil
}

func (m *mockStateRepo) SaveClock(ctx context.Context, key domain.SyncStateKey, clock domain.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.ensure(key)
	r.VectorClock = clock.Clone()
	return nil
}

func (m *mockStateRepo) GetTargetID(ctx context.Context, key domain.SyncStateKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || r.MappedRemoteID == nil {
		return "", repository.ErrStateNotFound
	}
	return *r.MappedRemoteID, nil
}

func (m *mockStateRepo) GetSourceID(ctx context.Context, entityType domain.EntityType, source domain.SourceSystem, remoteID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.records {
		if k.EntityType == entityType && k.SourceSystem == source && r.MappedRemoteID != nil && *r.MappedRemoteID == remoteID {
			return k.EntityID, nil
		}
	}
	return "", repository.ErrStateNotFound
}

func (m *mockStateRepo) record(key domain.SyncStateKey) *domain.SyncStateRecord {
	r, _ := m.Get(context.Background(), key)
	return r
}

type mockTxRepo struct {
	mu  sync.Mutex
	txs map[string]*domain.SyncTransaction
}

func newMockTxRepo() *mockTxRepo {
	return &mockTxRepo{txs: make(map[string]*domain.SyncTransaction)}
}

func cloneTx(tx *domain.SyncTransaction) *domain.SyncTransaction {
	cp := *tx
	cp.Steps = append([]domain.TransactionStep(nil), tx.Steps...)
	return &cp
}

func (m *mockTxRepo) Create(ctx context.Context, tx *domain.SyncTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[tx.ID]; exists {
		return repository.ErrTransactionExists
	}
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (m *mockTxRepo) Get(ctx context.Context, id string) (*domain.SyncTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (m *mockTxRepo) Update(ctx context.Context, tx *domain.SyncTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; !ok {
		return repository.ErrTransactionNotFound
	}
	m.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (m *mockTxRepo) ListByEntity(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.SyncTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SyncTransaction
	for _, tx := range m.txs {
		if tx.EntityType == entityType && tx.EntityID == entityID {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type mockConflictRepo struct {
	mu        sync.Mutex
	conflicts map[string]*domain.SyncConflict
}

func newMockConflictRepo() *mockConflictRepo {
	return &mockConflictRepo{conflicts: make(map[string]*domain.SyncConflict)}
}

func (m *mockConflictRepo) Create(ctx context.Context, c *domain.SyncConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conflicts[c.ID] = &cp
	return nil
}

func (m *mockConflictRepo) Get(ctx context.Context, id string) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, repository.ErrConflictNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockConflictRepo) FindOpen(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if c.EntityType == entityType && c.EntityID == entityID && c.ResolvedAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrConflictNotFound
}

func (m *mockConflictRepo) ListOpen(ctx context.Context) ([]*domain.SyncConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SyncConflict
	for _, c := range m.conflicts {
		if c.ResolvedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockConflictRepo) MarkResolved(ctx context.Context, id string, strategy domain.ResolutionStrategy, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return repository.ErrConflictNotFound
	}
	if c.ResolvedAt != nil {
		return repository.ErrConflictAlreadyResolved
	}
	c.ResolvedAt = &at
	c.ResolutionStrategy = &strategy
	return nil
}

type mockLMS struct {
	mu       sync.Mutex
	entities map[string]json.RawMessage
	calls    int
}

func newMockLMS() *mockLMS {
	return &mockLMS{entities: make(map[string]json.RawMessage)}
}

func (m *mockLMS) put(kind, id, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[kind+"/"+id] = json.RawMessage(body)
}

func (m *mockLMS) get(kind, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if data, ok := m.entities[kind+"/"+id]; ok {
		return data, nil
	}
	return nil, client.ErrRemoteNotFound
}

func (m *mockLMS) GetUser(ctx context.Context, id string) (json.RawMessage, error) {
	return m.get("user", id)
}

func (m *mockLMS) GetCourse(ctx context.Context, id string) (json.RawMessage, error) {
	return m.get("course", id)
}

func (m *mockLMS) GetAssignment(ctx context.Context, id string) (json.RawMessage, error) {
	return m.get("assignment", id)
}

func (m *mockLMS) GetSubmission(ctx context.Context, id string) (json.RawMessage, error) {
	return m.get("submission", id)
}

func (m *mockLMS) GetDiscussion(ctx context.Context, id string) (json.RawMessage, error) {
	return m.get("discussion", id)
}

type forumObject struct {
	kind        string
	data        json.RawMessage
	deactivated bool
}

// mockForum stores objects by id and indexes them by "kind:field=value".
type mockForum struct {
	mu      sync.Mutex
	nextID  int
	objects map[string]*forumObject
	writes  int
	failAll error
}

func newMockForum() *mockForum {
	return &mockForum{nextID: 1000, objects: make(map[string]*forumObject)}
}

func (m *mockForum) create(kind string, data json.RawMessage) (*client.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	m.objects[id] = &forumObject{kind: kind, data: data}
	m.writes++
	return &client.RemoteEntity{ID: id, Data: data}, nil
}

func (m *mockForum) update(id string, data json.RawMessage) (*client.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	obj, ok := m.objects[id]
	if !ok {
		return nil, client.ErrRemoteNotFound
	}
	obj.data = data
	m.writes++
	return &client.RemoteEntity{ID: id, Data: data}, nil
}

func (m *mockForum) mark(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	obj, ok := m.objects[id]
	if !ok {
		return client.ErrRemoteNotFound
	}
	obj.deactivated = true
	m.writes++
	return nil
}

func (m *mockForum) find(kind, path, value string) (*client.RemoteEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, obj := range m.objects {
		if obj.kind != kind {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(obj.data, &doc); err != nil {
			continue
		}
		if lookupField(doc, path) == value {
			return &client.RemoteEntity{ID: id, Data: obj.data}, nil
		}
	}
	return nil, client.ErrRemoteNotFound
}

func lookupField(doc map[string]interface{}, path string) string {
	if v, ok := doc[path].(string); ok {
		return v
	}
	if fields, ok := doc["custom_fields"].(map[string]interface{}); ok {
		if v, ok := fields[path].(string); ok {
			return v
		}
	}
	return ""
}

func (m *mockForum) object(id string) *forumObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[id]
}

func (m *mockForum) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *mockForum) GetUserByExternalID(ctx context.Context, externalID string) (*client.RemoteEntity, error) {
	return m.find("user", "external_id", externalID)
}
func (m *mockForum) CreateUser(ctx context.Context, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.create("user", data)
}
func (m *mockForum) UpdateUser(ctx context.Context, id string, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.update(id, data)
}
func (m *mockForum) DeactivateUser(ctx context.Context, id string) error { return m.mark(id) }

func (m *mockForum) GetCategoryByCustomField(ctx context.Context, field, value string) (*client.RemoteEntity, error) {
	return m.find("category", field, value)
}
func (m *mockForum) CreateCategory(ctx context.Context, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.create("category", data)
}
func (m *mockForum) UpdateCategory(ctx context.Context, id string, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.update(id, data)
}
func (m *mockForum) ArchiveCategory(ctx context.Context, id string) error { return m.mark(id) }

func (m *mockForum) GetTopicByCustomField(ctx context.Context, field, value string) (*client.RemoteEntity, error) {
	return m.find("topic", field, value)
}
func (m *mockForum) CreateTopic(ctx context.Context, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.create("topic", data)
}
func (m *mockForum) UpdateTopic(ctx context.Context, id string, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.update(id, data)
}
func (m *mockForum) CloseTopic(ctx context.Context, id string) error { return m.mark(id) }

func (m *mockForum) CreatePost(ctx context.Context, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.create("post", data)
}
func (m *mockForum) UpdatePost(ctx context.Context, id string, data json.RawMessage) (*client.RemoteEntity, error) {
	return m.update(id, data)
}
func (m *mockForum) HidePost(ctx context.Context, id string) error { return m.mark(id) }

type recordingNotifier struct {
	mu       sync.Mutex
	detected []*domain.SyncConflict
	resolved []*domain.SyncConflict
	failed   []error
}

func (n *recordingNotifier) ConflictDetected(c *domain.SyncConflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detected = append(n.detected, c)
}

func (n *recordingNotifier) ConflictResolved(c *domain.SyncConflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, c)
}

func (n *recordingNotifier) SyncFailed(e *domain.SyncEvent, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, err)
}

var errForumDown = errors.New("forum unavailable")
