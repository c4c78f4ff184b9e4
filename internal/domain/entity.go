package domain

import (
	"fmt"
	"strings"
)

type EntityType string

const (
	EntityUser       EntityType = "user"
	EntityCourse     EntityType = "course"
	EntityAssignment EntityType = "assignment"
	EntitySubmission EntityType = "submission"
	EntityDiscussion EntityType = "discussion"
	EntityPost       EntityType = "post"
	EntityComment    EntityType = "comment"
)

var entityTypes = []EntityType{
	EntityUser,
	EntityCourse,
	EntityAssignment,
	EntitySubmission,
	EntityDiscussion,
	EntityPost,
	EntityComment,
}

func ParseEntityType(s string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("invalid entity type: %q", s)
}

func (e EntityType) Valid() bool {
	for _, t := range entityTypes {
		if t == e {
			return true
		}
	}
	return false
}

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationSync   Operation = "sync"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete, OperationSync:
		return op, nil
	default:
		return "", fmt.Errorf("invalid operation: %q", s)
	}
}

func (o Operation) Valid() bool {
	_, err := ParseOperation(string(o))
	return err == nil
}

type SourceSystem string

const (
	SourceLMS   SourceSystem = "lms"
	SourceForum SourceSystem = "forum"
)

func ParseSourceSystem(s string) (SourceSystem, error) {
	switch src := SourceSystem(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceLMS, SourceForum:
		return src, nil
	default:
		return "", fmt.Errorf("invalid source system: %q", s)
	}
}

func (s SourceSystem) Valid() bool {
	return s == SourceLMS || s == SourceForum
}

// Target returns the system that receives writes for events originating in s.
func (s SourceSystem) Target() SourceSystem {
	if s == SourceLMS {
		return SourceForum
	}
	return SourceLMS
}

const (
	LaneCritical   = "sync_critical"
	LaneHigh       = "sync_high"
	LaneBackground = "sync_background"
	LaneDeadLetter = "sync_failed"
)

type Priority int

const (
	PriorityCritical Priority = iota + 1
	PriorityHigh
	PriorityBackground
)

// Priorities lists the processing lanes in descending priority.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityBackground}

func (p Priority) QueueName() string {
	switch p {
	case PriorityCritical:
		return LaneCritical
	case PriorityHigh:
		return LaneHigh
	default:
		return LaneBackground
	}
}

// ConsumerTag is the stable consumer name registered on the lane.
func (p Priority) ConsumerTag() string {
	return "sync_service_" + p.String()
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "background"
	}
}

// PriorityFor maps an entity type to the lane its retries and resolutions use.
func PriorityFor(e EntityType) Priority {
	switch e {
	case EntitySubmission:
		return PriorityCritical
	case EntityUser, EntityCourse, EntityAssignment:
		return PriorityHigh
	default:
		return PriorityBackground
	}
}
