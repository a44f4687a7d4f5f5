package migration

import (
	"slices"
	"testing"
)

func version(v int64) *int64 { return &v }

func TestCompareChanges(t *testing.T) {
	msgs := []ChangeMessage{
		{ChangeNumber: 1, ObjectID: 2, ObjectType: Node, ObjectVersion: version(3)},
		{ChangeNumber: 2, ObjectID: 1, ObjectType: Node, ObjectVersion: version(1)},
		{ChangeNumber: 3, ObjectID: 2, ObjectType: Node},
		{ChangeNumber: 4, ObjectID: 2, ObjectType: ACL, ObjectVersion: version(3)},
		{ChangeNumber: 5, ObjectID: 2, ObjectType: Node, ObjectVersion: version(1)},
	}
	slices.SortFunc(msgs, CompareChanges)

	var got []int64
	for _, m := range msgs {
		got = append(got, m.ChangeNumber)
	}
	want := []int64{2, 3, 5, 4, 1}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestCompareChangesEqual(t *testing.T) {
	a := ChangeMessage{ChangeNumber: 1, ObjectID: 9, ObjectType: Team}
	b := ChangeMessage{ChangeNumber: 2, ObjectID: 9, ObjectType: Team}
	if CompareChanges(a, b) != 0 {
		t.Error("messages for the same object and version should compare equal")
	}
}

func TestParseChangeType(t *testing.T) {
	if ct, err := ParseChangeType("update"); err != nil || ct != ChangeUpdate {
		t.Errorf("ParseChangeType(update) = %v, %v", ct, err)
	}
	if _, err := ParseChangeType("rename"); err == nil {
		t.Error("expected error for rename")
	}
}
