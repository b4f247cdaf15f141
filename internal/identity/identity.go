// Package identity resolves a principal's roles and permissions, and
// answers the capability questions the controller and review engine gate
// on: does this actor hold a given permission, and do they carry the
// output-checker role needed to vote, return, reject, or release.
package identity

import (
	"context"
	"database/sql"
	"fmt"

	"airlock/internal/store"
)

// ForbiddenError reports that a principal lacks a required permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("missing permission %q", e.Permission)
}

// ForbiddenRoleError reports that a principal lacks a required role.
type ForbiddenRoleError struct {
	Role string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("requires role %q", e.Role)
}

// Service resolves capabilities against the store's RBAC tables.
type Service struct {
	Store store.Store
}

func New(s store.Store) Service { return Service{Store: s} }

// Roles returns the role IDs assigned to an actor.
func (s Service) Roles(ctx context.Context, actorID string) ([]string, error) {
	return s.Store.ActorRoles(ctx, actorID)
}

// Permissions returns the union of permissions granted by an actor's roles.
func (s Service) Permissions(ctx context.Context, actorID string) ([]string, error) {
	roles, err := s.Store.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, role := range roles {
		perms, err := s.Store.RolePermissions(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// HasPermission reports whether an actor's roles grant a permission.
func (s Service) HasPermission(ctx context.Context, actorID, permission string) (bool, error) {
	perms, err := s.Permissions(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// RequirePermission returns a ForbiddenError if the actor lacks permission.
func (s Service) RequirePermission(ctx context.Context, actorID, permission string) error {
	ok, err := s.HasPermission(ctx, actorID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: permission}
	}
	return nil
}

// HasRole reports whether an actor carries a given role.
func (s Service) HasRole(ctx context.Context, actorID, roleID string) (bool, error) {
	roles, err := s.Store.ActorRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

// IsReviewer reports whether an actor holds the output-checker role — the
// role statemachine.ActorReviewer refers to.
func (s Service) IsReviewer(ctx context.Context, actorID string) (bool, error) {
	return s.HasRole(ctx, actorID, "output-checker")
}

// EnsureActor inserts an actor row if missing, idempotently, inside tx.
func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, login, displayName string) error {
	return s.Store.EnsureActor(ctx, tx, actorID, login, displayName)
}
