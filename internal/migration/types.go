// Package migration defines the record categories and value types shared by
// the checksum, delta, backup and async job packages.
package migration

import (
	"fmt"
	"strings"
)

// Type identifies a migratable record category.
type Type string

// Types in dependency order. A type never references a type listed after it.
const (
	Principal         Type = "PRINCIPAL"
	PrincipalAlias    Type = "PRINCIPAL_ALIAS"
	GroupMembers      Type = "GROUP_MEMBERS"
	Credential        Type = "CREDENTIAL"
	FileHandle        Type = "FILE_HANDLE"
	Node              Type = "NODE"
	NodeRevision      Type = "NODE_REVISION"
	ACL               Type = "ACL"
	ACLResourceAccess Type = "ACL_RESOURCE_ACCESS"
	Activity          Type = "ACTIVITY"
	Evaluation        Type = "EVALUATION"
	Submission        Type = "SUBMISSION"
	WikiPage          Type = "WIKI_PAGE"
	Team              Type = "TEAM"
	MembershipRequest Type = "MEMBERSHIP_REQUEST"
	Change            Type = "CHANGE"
)

var ordered = []Type{
	Principal,
	PrincipalAlias,
	GroupMembers,
	Credential,
	FileHandle,
	Node,
	NodeRevision,
	ACL,
	ACLResourceAccess,
	Activity,
	Evaluation,
	Submission,
	WikiPage,
	Team,
	MembershipRequest,
	Change,
}

var rank = func() map[Type]int {
	m := make(map[Type]int, len(ordered))
	for i, t := range ordered {
		m[t] = i
	}
	return m
}()

// Types returns every migration type in dependency order.
// The returned slice is a copy and may be modified by the caller.
func Types() []Type {
	out := make([]Type, len(ordered))
	copy(out, ordered)
	return out
}

// ParseType resolves a type name case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rank[t]; !ok {
		return "", fmt.Errorf("migration type %q: %w", s, ErrNotFound)
	}
	return t, nil
}

// Valid reports whether t is a known migration type.
func (t Type) Valid() bool {
	_, ok := rank[t]
	return ok
}

// Rank is the position of t in dependency order, or -1 if unknown.
func (t Type) Rank() int {
	if r, ok := rank[t]; ok {
		return r
	}
	return -1
}

// Table returns the storage table backing t.
func (t Type) Table() string {
	return strings.ToLower(string(t))
}

func (t Type) String() string {
	return string(t)
}

// Check returns ErrNotFound when t is not a known migration type.
func (t Type) Check() error {
	if !t.Valid() {
		return fmt.Errorf("migration type %q: %w", string(t), ErrNotFound)
	}
	return nil
}
