package migration

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// ChangeType is the kind of mutation a change message reports.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ParseChangeType resolves a change type case-insensitively.
func ParseChangeType(s string) (ChangeType, error) {
	switch ct := ChangeType(strings.ToUpper(s)); ct {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return ct, nil
	default:
		return "", fmt.Errorf("change type %q: %w", s, ErrInvalidArgument)
	}
}

// ChangeMessage is one emitted change event. ChangeNumber is assigned at
// emission and strictly increases.
type ChangeMessage struct {
	ChangeNumber  int64      `json:"changeNumber"`
	ObjectID      int64      `json:"objectId"`
	ObjectType    Type       `json:"objectType"`
	ObjectVersion *int64     `json:"objectVersion,omitempty"`
	ChangeType    ChangeType `json:"changeType"`
	Timestamp     time.Time  `json:"timestamp"`
}

// CompareChanges orders messages by object id, then version with a missing
// version sorting first, then object type. Processing order is by change
// number; this ordering is for grouping and deduplicating by object.
func CompareChanges(a, b ChangeMessage) int {
	if c := cmp.Compare(a.ObjectID, b.ObjectID); c != 0 {
		return c
	}
	switch {
	case a.ObjectVersion == nil && b.ObjectVersion != nil:
		return -1
	case a.ObjectVersion != nil && b.ObjectVersion == nil:
		return 1
	case a.ObjectVersion != nil && b.ObjectVersion != nil:
		if c := cmp.Compare(*a.ObjectVersion, *b.ObjectVersion); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ObjectType, b.ObjectType)
}
