// Package store is the persistence layer for the release-request lifecycle:
// actors/RBAC, requests, file groups, request files, votes, comments,
// review submissions, the audit log, events, and the upload job queue.
//
// Every exported method takes an explicit *sql.Tx when it participates in a
// caller-managed transaction, or operates directly against the *sql.DB
// otherwise, mirroring the explicit-column-list, sql.NullString scan style
// used throughout.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"airlock/internal/domain"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("not found")

// Store wraps the shared *sql.DB handle.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) Store { return Store{DB: db} }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// BeginTx opens a transaction; callers are responsible for Commit/Rollback.
func (s Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// --- Actors & RBAC -------------------------------------------------------

// EnsureActor inserts an actor row if one does not already exist.
func (s Store) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, login, displayName string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO actors(id, login, display_name, created_at) VALUES (?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		actorID, login, displayName, nowRFC3339())
	return err
}

// ActorRoles returns the role IDs assigned to an actor.
func (s Store) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// RolePermissions returns the permission IDs granted by a role.
func (s Store) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT permission FROM role_permissions WHERE role_id=?`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignRole grants a role to an actor.
func (s Store) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

// UpsertRole inserts or refreshes a role definition and its permission set.
func (s Store) UpsertRole(ctx context.Context, tx *sql.Tx, roleID, description string, permissions []string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles(id, description) VALUES (?,?)
		 ON CONFLICT(id) DO UPDATE SET description=excluded.description`,
		roleID, description); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID); err != nil {
		return err
	}
	for _, perm := range permissions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO role_permissions(role_id, permission) VALUES (?,?)`, roleID, perm); err != nil {
			return err
		}
	}
	return nil
}

// --- API keys -------------------------------------------------------------

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already be hashed.
func (s Store) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" {
		return errors.New("id, actor_id and key_hash are required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = nowRFC3339()
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return s.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash looks up an API key by its hashed value.
func (s Store) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, actor_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}
