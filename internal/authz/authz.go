// Package authz decides who may run administrative migration operations.
package authz

import (
	"context"
	"fmt"
	"slices"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Authorizer reports whether a user is an administrator.
type Authorizer interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// StaticAdmins is a fixed list of administrator ids, usually from config.
type StaticAdmins []int64

func (s StaticAdmins) IsAdmin(_ context.Context, userID int64) (bool, error) {
	return slices.Contains(s, userID), nil
}

// Require returns an error wrapping migration.ErrUnauthorized unless
// userID is an administrator.
func Require(ctx context.Context, a Authorizer, userID int64) error {
	ok, err := a.IsAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("checking admin status for user %d: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("user %d is not an administrator: %w", userID, migration.ErrUnauthorized)
	}
	return nil
}
