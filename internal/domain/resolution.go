package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var ErrNothingToResolve = errors.New("conflict has no content on either side")

// ResolvePayload picks the content that should win for conflict under strategy.
// It has no side effects and returns the same bytes for the same inputs. When
// the chosen side has no document the other side is used.
func ResolvePayload(conflict *SyncConflict, strategy ResolutionStrategy) (json.RawMessage, error) {
	lms, forum := conflict.LMSContent, conflict.ForumContent

	var out json.RawMessage
	var err error
	switch strategy {
	case ResolutionPreferLMS:
		out = pick(lms, forum)
	case ResolutionPreferForum:
		out = pick(forum, lms)
	case ResolutionPreferMostRecent:
		if conflict.ForumUpdatedAt.After(conflict.LMSUpdatedAt) {
			out = pick(forum, lms)
		} else {
			out = pick(lms, forum)
		}
	case ResolutionMergePreferLMS:
		out, err = mergeTopLevel(lms, forum)
	case ResolutionMergePreferForum:
		out, err = mergeTopLevel(forum, lms)
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	if absent(out) {
		return nil, ErrNothingToResolve
	}
	return out, nil
}

func pick(preferred, other json.RawMessage) json.RawMessage {
	if absent(preferred) {
		return other
	}
	return preferred
}

// absent reports whether doc is empty or a JSON null.
func absent(doc json.RawMessage) bool {
	return len(doc) == 0 || gjson.ParseBytes(doc).Type == gjson.Null
}

// mergeTopLevel unions the top-level fields of both documents, keeping
// preferred's value on collision. When either side is not a JSON object the
// preferred side is returned whole.
func mergeTopLevel(preferred, other json.RawMessage) (json.RawMessage, error) {
	p := gjson.ParseBytes(preferred)
	o := gjson.ParseBytes(other)

	if !p.IsObject() || !o.IsObject() {
		return pick(preferred, other), nil
	}

	merged := make(map[string]json.RawMessage)
	o.ForEach(func(key, value gjson.Result) bool {
		merged[key.String()] = json.RawMessage(value.Raw)
		return true
	})
	p.ForEach(func(key, value gjson.Result) bool {
		merged[key.String()] = json.RawMessage(value.Raw)
		return true
	})

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return out, nil
}
