package orgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/roles"
)

// PgStore implements Store on PostgreSQL.
type PgStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPgStore creates a Postgres-backed store. Every call runs under the
// given deadline; infrastructure failures get one retry.
func NewPgStore(pool *pgxpool.Pool, timeout time.Duration) *PgStore {
	return &PgStore{pool: pool, timeout: timeout}
}

// run executes fn under the store deadline, retrying once on transient
// infrastructure failures. Domain errors are never retried.
func (s *PgStore) run(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := fn(opCtx)
	cancel()

	if err == nil || !isTransient(err) || ctx.Err() != nil {
		return err
	}

	log.Warn().Err(err).Msg("Transient storage error, retrying once")
	opCtx, cancel = context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(opCtx)
}

// isTransient reports whether the error is an infrastructure failure worth
// one retry: connection loss, serialization/deadlock aborts, or a statement
// deadline.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection_exception
			return true
		}
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return true
		}
	}
	return false
}

// CreateOrg creates an organization and its OWNER membership in one
// transaction. The creator is the sole OWNER.
func (s *PgStore) CreateOrg(ctx context.Context, name, uniqueID string, plan Plan, ownerUserID uuid.UUID) (*Org, error) {
	var org Org
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		query := `
			INSERT INTO organizations (name, unique_id, plan, owner_user_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, name, unique_id, plan, owner_user_id, created_at, updated_at
		`
		err = tx.QueryRow(ctx, query, name, uniqueID, plan, ownerUserID).Scan(
			&org.ID,
			&org.Name,
			&org.UniqueID,
			&org.Plan,
			&org.OwnerUserID,
			&org.CreatedAt,
			&org.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return ErrSlugConflict
			}
			return fmt.Errorf("failed to create organization: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO memberships (user_id, organization_id, role)
			VALUES ($1, $2, $3)
		`, ownerUserID, org.ID, roles.RoleOwner)
		if err != nil {
			return fmt.Errorf("failed to create owner membership: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// GetOrg retrieves an organization by ID
func (s *PgStore) GetOrg(ctx context.Context, orgID uuid.UUID) (*Org, error) {
	var org Org
	err := s.run(ctx, func(ctx context.Context) error {
		query := `
			SELECT id, name, unique_id, plan, owner_user_id, created_at, updated_at
			FROM organizations
			WHERE id = $1
		`
		err := s.pool.QueryRow(ctx, query, orgID).Scan(
			&org.ID,
			&org.Name,
			&org.UniqueID,
			&org.Plan,
			&org.OwnerUserID,
			&org.CreatedAt,
			&org.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrgNotFound
			}
			return fmt.Errorf("failed to get organization: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// UpdateOrg updates an organization's name and plan
func (s *PgStore) UpdateOrg(ctx context.Context, orgID uuid.UUID, name string, plan Plan) (*Org, error) {
	var org Org
	err := s.run(ctx, func(ctx context.Context) error {
		query := `
			UPDATE organizations
			SET name = $2, plan = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING id, name, unique_id, plan, owner_user_id, created_at, updated_at
		`
		err := s.pool.QueryRow(ctx, query, orgID, name, plan).Scan(
			&org.ID,
			&org.Name,
			&org.UniqueID,
			&org.Plan,
			&org.OwnerUserID,
			&org.CreatedAt,
			&org.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrgNotFound
			}
			return fmt.Errorf("failed to update organization: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ListUserOrgs retrieves all organizations for a user with their roles
func (s *PgStore) ListUserOrgs(ctx context.Context, userID uuid.UUID) ([]OrgWithRole, error) {
	var orgs []OrgWithRole
	err := s.run(ctx, func(ctx context.Context) error {
		query := `
			SELECT o.id, o.name, o.unique_id, o.plan, o.owner_user_id, o.created_at, o.updated_at, m.role
			FROM organizations o
			INNER JOIN memberships m ON o.id = m.organization_id
			WHERE m.user_id = $1
			ORDER BY o.created_at DESC
		`
		rows, err := s.pool.Query(ctx, query, userID)
		if err != nil {
			return fmt.Errorf("failed to list user orgs: %w", err)
		}
		defer rows.Close()

		orgs = orgs[:0]
		for rows.Next() {
			var org OrgWithRole
			err := rows.Scan(
				&org.ID,
				&org.Name,
				&org.UniqueID,
				&org.Plan,
				&org.OwnerUserID,
				&org.CreatedAt,
				&org.UpdatedAt,
				&org.Role,
			)
			if err != nil {
				return fmt.Errorf("failed to scan org: %w", err)
			}
			orgs = append(orgs, org)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating org rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// ListMembers retrieves all members of an organization
func (s *PgStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]MemberInfo, error) {
	var members []MemberInfo
	err := s.run(ctx, func(ctx context.Context) error {
		query := `
			SELECT m.user_id, u.email, m.role, m.created_at
			FROM memberships m
			INNER JOIN users u ON m.user_id = u.id
			WHERE m.organization_id = $1
			ORDER BY m.created_at ASC
		`
		rows, err := s.pool.Query(ctx, query, orgID)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		defer rows.Close()

		members = members[:0]
		for rows.Next() {
			var member MemberInfo
			if err := rows.Scan(&member.UserID, &member.Email, &member.Role, &member.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan member: %w", err)
			}
			members = append(members, member)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating member rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// GetRole retrieves a user's role in an organization
// Returns ErrNotMember if the user is not a member
func (s *PgStore) GetRole(ctx context.Context, userID, orgID uuid.UUID) (roles.Role, error) {
	var role roles.Role
	err := s.run(ctx, func(ctx context.Context) error {
		query := `
			SELECT role FROM memberships
			WHERE organization_id = $1 AND user_id = $2
		`
		err := s.pool.QueryRow(ctx, query, orgID, userID).Scan(&role)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotMember
			}
			return fmt.Errorf("failed to get role: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return role, nil
}

// SetRole changes a member's role between ADMIN and USER. OWNER never moves
// through here.
func (s *PgStore) SetRole(ctx context.Context, orgID, targetUserID uuid.UUID, newRole roles.Role) (roles.Role, error) {
	if !newRole.IsValid() {
		return "", ErrInvalidRole
	}
	if newRole == roles.RoleOwner {
		return "", ErrCannotSetOwner
	}

	var previousRole roles.Role
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if err := tx.QueryRow(ctx, `
			SELECT role
			FROM memberships
			WHERE organization_id = $1 AND user_id = $2
			FOR UPDATE
		`, orgID, targetUserID).Scan(&previousRole); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrMemberNotFound
			}
			return fmt.Errorf("failed to load member role: %w", err)
		}

		if previousRole == roles.RoleOwner {
			return ErrCannotSetOwner
		}

		if _, err := tx.Exec(ctx, `
			UPDATE memberships
			SET role = $3, updated_at = NOW()
			WHERE organization_id = $1 AND user_id = $2
		`, orgID, targetUserID, newRole); err != nil {
			return fmt.Errorf("failed to update member role: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}
	return previousRole, nil
}

// RemoveMember deletes a membership. The OWNER must transfer ownership first.
func (s *PgStore) RemoveMember(ctx context.Context, orgID, targetUserID uuid.UUID) (roles.Role, error) {
	var removedRole roles.Role
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		if err := tx.QueryRow(ctx, `
			SELECT role
			FROM memberships
			WHERE organization_id = $1 AND user_id = $2
			FOR UPDATE
		`, orgID, targetUserID).Scan(&removedRole); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrMemberNotFound
			}
			return fmt.Errorf("failed to load member role: %w", err)
		}

		if removedRole == roles.RoleOwner {
			return ErrCannotRemoveOwner
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM memberships
			WHERE organization_id = $1 AND user_id = $2
		`, orgID, targetUserID); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}
	return removedRole, nil
}

// TransferOwnership swaps the OWNER role from one member to another and
// repoints organizations.owner_user_id, all in one transaction. The role
// swap is a single statement so there is never a moment with zero or two
// owners visible to the unique owner index.
func (s *PgStore) TransferOwnership(ctx context.Context, orgID, fromUserID, toUserID uuid.UUID) error {
	if fromUserID == toUserID {
		return ErrTransferToSelf
	}
	return s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		// Lock both membership rows in deterministic order.
		rows, err := tx.Query(ctx, `
			SELECT user_id, role
			FROM memberships
			WHERE organization_id = $1 AND user_id = ANY($2)
			ORDER BY user_id
			FOR UPDATE
		`, orgID, []uuid.UUID{fromUserID, toUserID})
		if err != nil {
			return fmt.Errorf("failed to lock memberships: %w", err)
		}

		found := make(map[uuid.UUID]roles.Role, 2)
		for rows.Next() {
			var userID uuid.UUID
			var role roles.Role
			if err := rows.Scan(&userID, &role); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan membership: %w", err)
			}
			found[userID] = role
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("failed to lock memberships: %w", err)
		}
		rows.Close()

		fromRole, ok := found[fromUserID]
		if !ok {
			return ErrNotMember
		}
		if fromRole != roles.RoleOwner {
			return ErrInsufficientPermissions
		}
		if _, ok := found[toUserID]; !ok {
			return ErrMemberNotFound
		}

		if _, err := tx.Exec(ctx, `
			UPDATE memberships
			SET role = CASE user_id WHEN $2 THEN $4::varchar WHEN $3 THEN $5::varchar END,
			    updated_at = NOW()
			WHERE organization_id = $1 AND user_id IN ($2, $3)
		`, orgID, fromUserID, toUserID, roles.RoleAdmin, roles.RoleOwner); err != nil {
			return fmt.Errorf("failed to swap owner role: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE organizations
			SET owner_user_id = $2, updated_at = NOW()
			WHERE id = $1 AND owner_user_id = $3
		`, orgID, toUserID, fromUserID)
		if err != nil {
			return fmt.Errorf("failed to update organization owner: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("organization owner column out of sync for org %s", orgID)
		}

		return tx.Commit(ctx)
	})
}

// GetUserEmail returns the email address for a user id
func (s *PgStore) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.run(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrMemberNotFound
			}
			return fmt.Errorf("failed to load user email: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return email, nil
}
