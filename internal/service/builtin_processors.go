package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lmsforum-sync/internal/client"
	"lmsforum-sync/internal/domain"
	"lmsforum-sync/internal/logging"
	"lmsforum-sync/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// BuiltinProcessors mirror LMS entities into the forum.
type BuiltinProcessors struct {
	lms       client.LMSClient
	forum     client.ForumClient
	state     repository.SyncStateRepository
	conflicts *ConflictService
	log       *logrus.Entry
}

func NewBuiltinProcessors(
	lms client.LMSClient,
	forum client.ForumClient,
	state repository.SyncStateRepository,
	conflicts *ConflictService,
	log *logrus.Entry,
) *BuiltinProcessors {
	return &BuiltinProcessors{
		lms:       lms,
		forum:     forum,
		state:     state,
		conflicts: conflicts,
		log:       logging.OrDiscard(log, "processors"),
	}
}

type syncPlan struct {
	fetch  func(ctx context.Context) (json.RawMessage, error)
	lookup func(ctx context.Context) (*client.RemoteEntity, error)
	build  func(ctx context.Context, source json.RawMessage) (json.RawMessage, error)
	create func(ctx context.Context, body json.RawMessage) (*client.RemoteEntity, error)
	update func(ctx context.Context, id string, body json.RawMessage) (*client.RemoteEntity, error)
	remove func(ctx context.Context, id string) error
}

func (b *BuiltinProcessors) syncUser(ctx context.Context, event *domain.SyncEvent) error {
	id := event.EntityID
	return b.run(ctx, event, syncPlan{
		fetch: func(ctx context.Context) (json.RawMessage, error) { return b.lms.GetUser(ctx, id) },
		lookup: func(ctx context.Context) (*client.RemoteEntity, error) {
			return b.forum.GetUserByExternalID(ctx, ExternalUserID(id))
		},
		build: func(_ context.Context, src json.RawMessage) (json.RawMessage, error) {
			return UserToForum(id, src)
		},
		create: b.forum.CreateUser,
		update: b.forum.UpdateUser,
		remove: b.forum.DeactivateUser,
	})
}

func (b *BuiltinProcessors) syncCourse(ctx context.Context, event *domain.SyncEvent) error {
	id := event.EntityID
	return b.run(ctx, event, syncPlan{
		fetch: func(ctx context.Context) (json.RawMessage, error) { return b.lms.GetCourse(ctx, id) },
		lookup: func(ctx context.Context) (*client.RemoteEntity, error) {
			return b.forum.GetCategoryByCustomField(ctx, "lms_course_id", id)
		},
		build: func(_ context.Context, src json.RawMessage) (json.RawMessage, error) {
			return CourseToCategory(id, src)
		},
		create: b.forum.CreateCategory,
		update: b.forum.UpdateCategory,
		remove: b.forum.ArchiveCategory,
	})
}

func (b *BuiltinProcessors) syncAssignment(ctx context.Context, event *domain.SyncEvent) error {
	id := event.EntityID
	return b.run(ctx, event, syncPlan{
		fetch: func(ctx context.Context) (json.RawMessage, error) { return b.lms.GetAssignment(ctx, id) },
		lookup: func(ctx context.Context) (*client.RemoteEntity, error) {
			return b.forum.GetTopicByCustomField(ctx, "lms_assignment_id", id)
		},
		build: func(ctx context.Context, src json.RawMessage) (json.RawMessage, error) {
			categoryID, err := b.parentMapping(ctx, domain.EntityCourse, gjson.GetBytes(src, "course_id").String())
			if err != nil {
				return nil, err
			}
			return AssignmentToTopic(id, categoryID, src)
		},
		create: b.forum.CreateTopic,
		update: b.forum.UpdateTopic,
		remove: b.forum.CloseTopic,
	})
}

func (b *BuiltinProcessors) syncDiscussion(ctx context.Context, event *domain.SyncEvent) error {
	id := event.EntityID
	return b.run(ctx, event, syncPlan{
		fetch: func(ctx context.Context) (json.RawMessage, error) { return b.lms.GetDiscussion(ctx, id) },
		lookup: func(ctx context.Context) (*client.RemoteEntity, error) {
			return b.forum.GetTopicByCustomField(ctx, "lms_discussion_id", id)
		},
		build: func(ctx context.Context, src json.RawMessage) (json.RawMessage, error) {
			categoryID, err := b.parentMapping(ctx, domain.EntityCourse, gjson.GetBytes(src, "course_id").String())
			if err != nil {
				return nil, err
			}
			return DiscussionToTopic(id, categoryID, src)
		},
		create: b.forum.CreateTopic,
		update: b.forum.UpdateTopic,
		remove: b.forum.CloseTopic,
	})
}

func (b *BuiltinProcessors) syncSubmission(ctx context.Context, event *domain.SyncEvent) error {
	id := event.EntityID
	return b.run(ctx, event, syncPlan{
		fetch: func(ctx context.Context) (json.RawMessage, error) { return b.lms.GetSubmission(ctx, id) },
		lookup: func(ctx context.Context) (*client.RemoteEntity, error) {
			postID, err := b.state.GetTargetID(ctx, event.StateKey())
			if errors.Is(err, repository.ErrStateNotFound) {
				return nil, client.ErrRemoteNotFound
			}
			if err != nil {
				return nil, err
			}
			return &client.RemoteEntity{ID: postID}, nil
		},
		build: func(ctx context.Context, src json.RawMessage) (json.RawMessage, error) {
			topicID, err := b.parentMapping(ctx, domain.EntityAssignment, gjson.GetBytes(src, "assignment_id").String())
			if err != nil {
				return nil, err
			}
			return SubmissionToPost(id, topicID, src)
		},
		create: b.forum.CreatePost,
		update: b.forum.UpdatePost,
		remove: b.forum.HidePost,
	})
}

// parentMapping returns the forum id an LMS parent entity was synced to.
func (b *BuiltinProcessors) parentMapping(ctx context.Context, parent domain.EntityType, parentID string) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("payload has no %s id", parent)
	}
	key := domain.SyncStateKey{EntityType: parent, EntityID: parentID, SourceSystem: domain.SourceLMS}
	remoteID, err := b.state.GetTargetID(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrStateNotFound) {
			return "", fmt.Errorf("%s %s is not synced to the forum yet", parent, parentID)
		}
		return "", err
	}
	return remoteID, nil
}

func (b *BuiltinProcessors) run(ctx context.Context, event *domain.SyncEvent, plan syncPlan) error {
	if event.SourceSystem != domain.SourceLMS {
		return fmt.Errorf("%w: %s from %s", ErrUnsupportedDirection, event.EntityType, event.SourceSystem)
	}

	log := b.log.WithFields(logrus.Fields{
		"entity_type":    event.EntityType,
		"entity_id":      event.EntityID,
		"transaction_id": event.TransactionID,
	})

	if err := b.conflicts.Hold(ctx, event); err != nil {
		return err
	}

	decision, stored, err := b.conflicts.Evaluate(ctx, event)
	if err != nil {
		return err
	}
	if decision == DecisionStale {
		log.Debug("event clock already covered, skipping")
		return nil
	}

	existing, err := plan.lookup(ctx)
	if err != nil {
		if !errors.Is(err, client.ErrRemoteNotFound) {
			return fmt.Errorf("failed to look up forum %s: %w", event.EntityType, err)
		}
		existing = nil
	}

	if event.Operation == domain.OperationDelete {
		if existing == nil {
			return b.recordSuccess(ctx, event, stored, nil)
		}
		if err := plan.remove(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to remove forum %s %s: %w", event.EntityType, existing.ID, err)
		}
		return b.recordSuccess(ctx, event, stored, &existing.ID)
	}

	body, source, err := b.prepareBody(ctx, event, plan)
	if err != nil {
		return err
	}

	if decision == DecisionConcurrent {
		in := ConflictInput{
			Event:        event,
			StoredClock:  stored,
			Title:        conflictTitle(event, source),
			LMSContent:   body,
			LMSUpdatedAt: UpdatedAt(source),
		}
		if existing != nil {
			in.ForumContent = existing.Data
			in.ForumUpdatedAt = UpdatedAt(existing.Data)
		}
		return b.conflicts.Raise(ctx, in)
	}

	var remote *client.RemoteEntity
	if existing != nil {
		remote, err = plan.update(ctx, existing.ID, body)
	} else {
		remote, err = plan.create(ctx, body)
	}
	if err != nil {
		return fmt.Errorf("failed to write forum %s: %w", event.EntityType, err)
	}

	log.WithField("remote_id", remote.ID).Info("entity synced to forum")
	return b.recordSuccess(ctx, event, stored, &remote.ID)
}

// prepareBody returns the forum document to write and the LMS source it came
// from. Resolved payloads are written as-is.
func (b *BuiltinProcessors) prepareBody(ctx context.Context, event *domain.SyncEvent, plan syncPlan) (json.RawMessage, json.RawMessage, error) {
	if resolved, ok := domain.DecodeResolvedPayload(event.Data); ok {
		return resolved.Resolved, nil, nil
	}

	source := event.Data
	if !event.HasData() {
		fetched, err := plan.fetch(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch lms %s %s: %w", event.EntityType, event.EntityID, err)
		}
		source = fetched
	}

	body, err := plan.build(ctx, source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to map %s %s: %w", event.EntityType, event.EntityID, err)
	}
	return body, source, nil
}

func (b *BuiltinProcessors) recordSuccess(ctx context.Context, event *domain.SyncEvent, stored domain.VectorClock, remoteID *string) error {
	if err := b.state.UpdateSyncStatus(ctx, event.StateKey(), remoteID, domain.SyncStatusSynced, nil); err != nil {
		return err
	}
	return b.conflicts.Advance(ctx, event, stored)
}

func conflictTitle(event *domain.SyncEvent, source json.RawMessage) string {
	if name := firstString(gjson.ParseBytes(source), "name", "title"); name != "" {
		return name
	}
	return fmt.Sprintf("%s %s", event.EntityType, event.EntityID)
}
