package service

import (
	"context"
	"fmt"

	"lmsforum-sync/internal/domain"
)

type Processor interface {
	Process(ctx context.Context, event *domain.SyncEvent) error
}

type ProcessorFunc func(ctx context.Context, event *domain.SyncEvent) error

func (f ProcessorFunc) Process(ctx context.Context, event *domain.SyncEvent) error {
	return f(ctx, event)
}

// Registry is the explicit set of processors built at startup. Entries
// override the built-ins for their entity type.
type Registry map[domain.EntityType]Processor

// Resolve returns the registered processor for t, then the built-in one,
// and ErrUnsupportedEntityType otherwise.
func (r Registry) Resolve(t domain.EntityType, builtins *BuiltinProcessors) (Processor, error) {
	if p, ok := r[t]; ok && p != nil {
		return p, nil
	}
	if builtins != nil {
		if p := builtins.For(t); p != nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEntityType, t)
}

// For returns the built-in processor for an entity type, or nil when there is none.
func (b *BuiltinProcessors) For(t domain.EntityType) Processor {
	switch t {
	case domain.EntityUser:
		return ProcessorFunc(b.syncUser)
	case domain.EntityCourse:
		return ProcessorFunc(b.syncCourse)
	case domain.EntityAssignment:
		return ProcessorFunc(b.syncAssignment)
	case domain.EntityDiscussion:
		return ProcessorFunc(b.syncDiscussion)
	case domain.EntitySubmission:
		return ProcessorFunc(b.syncSubmission)
	case domain.EntityPost, domain.EntityComment:
		return nil
	default:
		return nil
	}
}
