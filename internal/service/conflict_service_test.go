package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conflictFixture struct {
	state     *mockStateRepo
	repo      *mockConflictRepo
	notifier  *recordingNotifier
	broker    *queue.MemoryBroker
	conflicts *ConflictService
}

func newConflictFixture(t *testing.T) *conflictFixture {
	t.Helper()
	state := newMockStateRepo()
	pub, broker := newTestPublisher(t, state, "node-a")
	repo := newMockConflictRepo()
	notifier := &recordingNotifier{}
	return &conflictFixture{
		state:     state,
		repo:      repo,
		notifier:  notifier,
		broker:    broker,
		conflicts: NewConflictService(repo, state, pub, notifier, "", nil),
	}
}

func userEvent(clock domain.VectorClock) *domain.SyncEvent {
	return &domain.SyncEvent{
		EntityType:    domain.EntityUser,
		EntityID:      "42",
		Operation:     domain.OperationUpdate,
		SourceSystem:  domain.SourceLMS,
		TargetSystem:  domain.SourceForum,
		VectorClock:   clock,
		Timestamp:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		TransactionID: "tx-1-00000000",
	}
}

func TestConflictService_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		stored   domain.VectorClock
		incoming domain.VectorClock
		want     Decision
	}{
		{"no stored clock", nil, domain.VectorClock{"a": 1}, DecisionApply},
		{"empty incoming", domain.VectorClock{"a": 3}, domain.VectorClock{}, DecisionApply},
		{"incoming after", domain.VectorClock{"a": 1}, domain.VectorClock{"a": 2}, DecisionApply},
		{"incoming equal", domain.VectorClock{"a": 1}, domain.VectorClock{"a": 1}, DecisionStale},
		{"incoming before", domain.VectorClock{"a": 2, "b": 1}, domain.VectorClock{"a": 1}, DecisionStale},
		{"concurrent", domain.VectorClock{"a": 1}, domain.VectorClock{"b": 1}, DecisionConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newConflictFixture(t)
			event := userEvent(tt.incoming)
			if tt.stored != nil {
				require.NoError(t, f.state.SaveClock(context.Background(), event.StateKey(), tt.stored))
			}

			decision, _, err := f.conflicts.Evaluate(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision, decision.String())
		})
	}
}

func TestConflictService_EvaluateClockError(t *testing.T) {
	f := newConflictFixture(t)
	f.state.clockErr = errors.New("db down")

	_, _, err := f.conflicts.Evaluate(context.Background(), userEvent(domain.VectorClock{"a": 1}))
	assert.Error(t, err)
}

func TestConflictService_Advance(t *testing.T) {
	f := newConflictFixture(t)
	event := userEvent(domain.VectorClock{"b": 2})

	require.NoError(t, f.conflicts.Advance(context.Background(), event, domain.VectorClock{"a": 1}))

	clock, err := f.state.GetClock(context.Background(), event.StateKey())
	require.NoError(t, err)
	assert.Equal(t, domain.VectorClock{"a": 1, "b": 2}, clock)
}

func raiseConflict(t *testing.T, f *conflictFixture) *domain.SyncConflict {
	t.Helper()
	err := f.conflicts.Raise(context.Background(), ConflictInput{
		Event:          userEvent(domain.VectorClock{"b": 1}),
		StoredClock:    domain.VectorClock{"a": 1},
		Title:          "Ada",
		LMSContent:     json.RawMessage(`{"name":"Ada LMS","email":"a@x.com"}`),
		ForumContent:   json.RawMessage(`{"name":"Ada Forum","bio":"hi"}`),
		ForumUpdatedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.NotNil(t, conflictErr.Conflict)
	return conflictErr.Conflict
}

func TestConflictService_RaiseRecordsAndNotifies(t *testing.T) {
	f := newConflictFixture(t)

	conflict := raiseConflict(t, f)
	assert.NotEmpty(t, conflict.ID)
	assert.Equal(t, "Ada", conflict.Title)
	assert.Equal(t, domain.SourceLMS, conflict.SourceSystem)
	assert.Equal(t, domain.VectorClock{"b": 1}, conflict.IncomingClock)
	assert.Equal(t, domain.VectorClock{"a": 1}, conflict.StoredClock)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), conflict.LMSUpdatedAt)
	assert.False(t, conflict.Resolved())

	open, err := f.conflicts.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, f.notifier.detected, 1)
}

func TestConflictService_RaiseReusesOpenConflict(t *testing.T) {
	f := newConflictFixture(t)

	first := raiseConflict(t, f)
	second := raiseConflict(t, f)

	assert.Equal(t, first.ID, second.ID)
	open, err := f.conflicts.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, f.notifier.detected, 1)
}

func TestConflictService_Resolve(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	conflict := raiseConflict(t, f)

	resp, err := f.conflicts.Resolve(ctx, conflict.ID, domain.ResolutionMergePreferForum)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TransactionID)
	assert.True(t, resp.Conflict.Resolved())
	require.NotNil(t, resp.Conflict.ResolutionStrategy)
	assert.Equal(t, domain.ResolutionMergePreferForum, *resp.Conflict.ResolutionStrategy)

	stored, err := f.conflicts.Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved())

	record := f.state.record(domain.SyncStateKey{EntityType: domain.EntityUser, EntityID: "42", SourceSystem: domain.SourceLMS})
	require.NotNil(t, record)
	assert.Equal(t, domain.SyncStatusPending, record.Status)

	event := decodeOnly(t, f.broker, domain.LaneHigh)
	assert.Equal(t, resp.TransactionID, event.TransactionID)
	assert.Equal(t, domain.OperationUpdate, event.Operation)
	assert.Equal(t, domain.SourceLMS, event.SourceSystem)
	assert.True(t, event.VectorClock.Dominates(domain.VectorClock{"a": 1, "b": 1}))
	assert.Equal(t, domain.OrderingAfter, event.VectorClock.Compare(domain.VectorClock{"a": 1}))

	payload, ok := domain.DecodeResolvedPayload(event.Data)
	require.True(t, ok)
	assert.Equal(t, conflict.ID, payload.ConflictID)
	assert.JSONEq(t, `{"bio":"hi","email":"a@x.com","name":"Ada Forum"}`, string(payload.Resolved))

	assert.Len(t, f.notifier.resolved, 1)
}

func TestConflictService_ResolveUsesDefaultStrategy(t *testing.T) {
	f := newConflictFixture(t)
	conflict := raiseConflict(t, f)

	resp, err := f.conflicts.Resolve(context.Background(), conflict.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionPreferLMS, *resp.Conflict.ResolutionStrategy)

	event := decodeOnly(t, f.broker, domain.LaneHigh)
	payload, ok := domain.DecodeResolvedPayload(event.Data)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Ada LMS","email":"a@x.com"}`, string(payload.Resolved))
}

func TestConflictService_ResolveTwice(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	conflict := raiseConflict(t, f)

	_, err := f.conflicts.Resolve(ctx, conflict.ID, domain.ResolutionPreferForum)
	require.NoError(t, err)

	_, err = f.conflicts.Resolve(ctx, conflict.ID, domain.ResolutionPreferLMS)
	assert.ErrorIs(t, err, ErrConflictAlreadyResolved)
	assert.Len(t, f.broker.Messages(domain.LaneHigh), 1)
}

func TestConflictService_ResolveUnknown(t *testing.T) {
	f := newConflictFixture(t)
	_, err := f.conflicts.Resolve(context.Background(), "nope", domain.ResolutionPreferLMS)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestConflictService_ResolveInvalidStrategyLeavesConflictOpen(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	conflict := raiseConflict(t, f)

	_, err := f.conflicts.Resolve(ctx, conflict.ID, "coin_flip")
	assert.Error(t, err)

	stored, err := f.conflicts.Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.False(t, stored.Resolved())
	assert.Empty(t, f.broker.Messages(domain.LaneHigh))
}

func TestConflictService_ResolveKeepsConflictOpenWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	conflict := raiseConflict(t, f)

	key := domain.SyncStateKey{EntityType: domain.EntityUser, EntityID: "42", SourceSystem: domain.SourceLMS}
	held := "held for conflict " + conflict.ID
	require.NoError(t, f.state.UpdateSyncStatus(ctx, key, nil, domain.SyncStatusConflict, &held))

	// Swap in a handle whose broker is closed, as after a lost connection.
	handle := NewBrokerHandle()
	handle.Attach(f.broker)
	f.conflicts.publisher = NewPublisher(handle, f.state, "node-a", nil)
	require.NoError(t, f.broker.Close())

	_, err := f.conflicts.Resolve(ctx, conflict.ID, domain.ResolutionPreferForum)
	require.ErrorIs(t, err, ErrPublish)

	stored, err := f.conflicts.Get(ctx, conflict.ID)
	require.NoError(t, err)
	assert.False(t, stored.Resolved())
	record := f.state.record(key)
	require.NotNil(t, record)
	assert.Equal(t, domain.SyncStatusConflict, record.Status)
	require.NotNil(t, record.LastError)
	assert.Equal(t, held, *record.LastError)
	assert.Empty(t, f.notifier.resolved)

	// The operator retries once the broker is back.
	broker := queue.NewMemoryBroker()
	require.NoError(t, broker.Declare(ctx, domain.LaneHigh))
	handle.Attach(broker)

	resp, err := f.conflicts.Resolve(ctx, conflict.ID, domain.ResolutionPreferForum)
	require.NoError(t, err)
	assert.True(t, resp.Conflict.Resolved())
	assert.Equal(t, domain.SyncStatusPending, f.state.record(key).Status)

	event := decodeOnly(t, broker, domain.LaneHigh)
	payload, ok := domain.DecodeResolvedPayload(event.Data)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Ada Forum","bio":"hi"}`, string(payload.Resolved))
}

func TestConflictService_Hold(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)

	require.NoError(t, f.conflicts.Hold(ctx, userEvent(domain.VectorClock{"a": 2})))

	conflict := raiseConflict(t, f)

	err := f.conflicts.Hold(ctx, userEvent(domain.VectorClock{"a": 2, "node-a": 1}))
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, conflict.ID, conflictErr.Conflict.ID)

	foreign := userEvent(nil)
	foreign.Data = json.RawMessage(`{"conflict_id":"other","resolved":{"name":"x"}}`)
	assert.ErrorAs(t, f.conflicts.Hold(ctx, foreign), &conflictErr)

	resolution := userEvent(nil)
	resolution.Data = json.RawMessage(`{"conflict_id":"` + conflict.ID + `","resolved":{"name":"x"}}`)
	assert.NoError(t, f.conflicts.Hold(ctx, resolution))
}
