package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFor(t *testing.T) {
	cases := map[EntityType]Priority{
		EntitySubmission: PriorityCritical,
		EntityUser:       PriorityHigh,
		EntityCourse:     PriorityHigh,
		EntityAssignment: PriorityHigh,
		EntityDiscussion: PriorityBackground,
		EntityPost:       PriorityBackground,
		EntityComment:    PriorityBackground,
	}
	for entity, want := range cases {
		assert.Equal(t, want, PriorityFor(entity), string(entity))
	}
}

func TestPriority_QueueNames(t *testing.T) {
	assert.Equal(t, "sync_critical", PriorityCritical.QueueName())
	assert.Equal(t, "sync_high", PriorityHigh.QueueName())
	assert.Equal(t, "sync_background", PriorityBackground.QueueName())
	assert.Equal(t, "sync_service_critical", PriorityCritical.ConsumerTag())
	assert.Equal(t, "sync_service_background", PriorityBackground.ConsumerTag())
}

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType(" Submission ")
	require.NoError(t, err)
	assert.Equal(t, EntitySubmission, got)

	_, err = ParseEntityType("quiz")
	assert.Error(t, err)
}

func TestSourceSystem_Target(t *testing.T) {
	assert.Equal(t, SourceForum, SourceLMS.Target())
	assert.Equal(t, SourceLMS, SourceForum.Target())
}

func TestDecodeSyncEvent(t *testing.T) {
	body := []byte(`{
		"entity_type": "user",
		"entity_id": "42",
		"operation": "create",
		"source_system": "lms",
		"target_system": "forum",
		"data": {"email": "a@x.com"},
		"timestamp": "2024-05-01T10:00:00Z",
		"transaction_id": "tx-1-abc",
		"vector_clock": {"node-1": 3}
	}`)

	event, err := DecodeSyncEvent(body)
	require.NoError(t, err)

	assert.Equal(t, EntityUser, event.EntityType)
	assert.Equal(t, "42", event.EntityID)
	assert.Equal(t, OperationCreate, event.Operation)
	assert.Equal(t, SourceLMS, event.SourceSystem)
	assert.Equal(t, SourceForum, event.TargetSystem)
	assert.True(t, event.HasData())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), event.Timestamp.UTC())
	assert.Equal(t, VectorClock{"node-1": 3}, event.VectorClock)
	assert.Equal(t, SyncStateKey{EntityUser, "42", SourceLMS}, event.StateKey())
}

func TestDecodeSyncEvent_Poison(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{{{`,
		"unknown entity": `{"entity_type":"quiz","entity_id":"1","operation":"create","source_system":"lms","target_system":"forum"}`,
		"missing id":     `{"entity_type":"user","operation":"create","source_system":"lms","target_system":"forum"}`,
		"bad operation":  `{"entity_type":"user","entity_id":"1","operation":"upsert","source_system":"lms","target_system":"forum"}`,
		"same target":    `{"entity_type":"user","entity_id":"1","operation":"create","source_system":"lms","target_system":"lms"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSyncEvent([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestDecodeSyncEvent_NullData(t *testing.T) {
	event, err := DecodeSyncEvent([]byte(`{"entity_type":"course","entity_id":"9","operation":"sync","source_system":"lms","target_system":"forum","data":null}`))
	require.NoError(t, err)
	assert.False(t, event.HasData())
	assert.NotNil(t, event.VectorClock)
}
