// store.go provides Store, the entry point to the repositories. A Store is bound either to the
// connection pool or to one transaction; repositories obtained from it share that binding.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/organization-manager/organization-manager/internal/apperror"
)

// Store hands out repositories bound to a pool or a transaction
type Store struct {
	db  *sqlx.DB
	tx  *sqlx.Tx
	ext sqlx.ExtContext
}

// NewStore creates a store over the pool
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

// Organizations returns the organization repository for this binding
func (s *Store) Organizations() *OrganizationRepository {
	return &OrganizationRepository{db: s.ext}
}

// Users returns the user repository for this binding
func (s *Store) Users() *UserRepository {
	return &UserRepository{db: s.ext}
}

// Roles returns the role repository for this binding
func (s *Store) Roles() *RoleRepository {
	return &RoleRepository{db: s.ext}
}

// Tx runs fn inside a transaction. It commits when fn returns nil and rolls back otherwise.
// Calling Tx on a store that is already transactional reuses the open transaction.
func (s *Store) Tx(ctx context.Context, fn func(*Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Store{db: s.db, tx: tx, ext: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// conflictMessages maps unique constraints to caller-safe messages.
var conflictMessages = map[string]string{
	"organizations_name_key":       "an organization with this name already exists",
	"organizations_admin_role_key": "technical role name already taken",
	"roles_technical_name_key":     "technical role name already taken",
	"roles_organization_name_key":  "a role with this name already exists in the organization",
	"users_login_key":              "a user with this login already exists",
	"user_roles_pkey":              "role already linked to user",
}

// translateConflict turns a unique violation into a sanitized Conflict. The storage engine's
// message never leaves this function.
func translateConflict(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil
	}
	msg, ok := conflictMessages[pqErr.Constraint]
	if !ok {
		msg = "resource already exists"
	}
	return apperror.Conflict("%s", msg)
}

// notFound reports a lookup that matched nothing. An id that is not a valid UUID
// (invalid_text_representation, 22P02) cannot match a row either.
func notFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
