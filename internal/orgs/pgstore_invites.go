package orgs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tenantcore/tenantcore/internal/roles"
)

const inviteColumns = `id, email, organization_id, role, status, expires_at, invited_by_id, created_at, updated_at`

func scanInvite(row pgx.Row, inv *Invite) error {
	return row.Scan(
		&inv.ID,
		&inv.Email,
		&inv.OrganizationID,
		&inv.Role,
		&inv.Status,
		&inv.ExpiresAt,
		&inv.InvitedByID,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
}

// CreateInvite creates a PENDING invite. The partial unique index on
// (lower(email), organization_id) WHERE status = 'PENDING' backs the
// at-most-one-open-invite invariant.
func (s *PgStore) CreateInvite(ctx context.Context, orgID uuid.UUID, email string, role roles.Role, invitedByID uuid.UUID, expiresAt time.Time) (*Invite, error) {
	var invite Invite
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		// A user already in the organization must not be invited again.
		var existing uuid.UUID
		err = tx.QueryRow(ctx, `
			SELECT m.user_id
			FROM memberships m
			INNER JOIN users u ON u.id = m.user_id
			WHERE m.organization_id = $1 AND LOWER(u.email) = LOWER($2)
		`, orgID, email).Scan(&existing)
		if err == nil {
			return ErrAlreadyMember
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check existing membership: %w", err)
		}

		err = scanInvite(tx.QueryRow(ctx, `
			INSERT INTO invites (email, organization_id, role, status, expires_at, invited_by_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+inviteColumns+`
		`, email, orgID, role, InvitePending, expiresAt, invitedByID), &invite)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return ErrDuplicateInvite
			}
			return fmt.Errorf("failed to create invite: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// GetInvite loads an invite. A PENDING invite whose expiry has passed is
// transitioned to EXPIRED before it is returned (lazy expiry).
func (s *PgStore) GetInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error) {
	var invite Invite
	err := s.run(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `
			UPDATE invites
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3 AND expires_at <= NOW()
		`, inviteID, InviteExpired, InvitePending); err != nil {
			return fmt.Errorf("failed to lazy-expire invite: %w", err)
		}

		err := scanInvite(s.pool.QueryRow(ctx, `
			SELECT `+inviteColumns+` FROM invites WHERE id = $1
		`, inviteID), &invite)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to get invite: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// ListInvites returns all invites for an organization, newest first, after
// lazy-expiring any stale PENDING rows.
func (s *PgStore) ListInvites(ctx context.Context, orgID uuid.UUID) ([]Invite, error) {
	var invites []Invite
	err := s.run(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `
			UPDATE invites
			SET status = $2, updated_at = NOW()
			WHERE organization_id = $1 AND status = $3 AND expires_at <= NOW()
		`, orgID, InviteExpired, InvitePending); err != nil {
			return fmt.Errorf("failed to lazy-expire invites: %w", err)
		}

		rows, err := s.pool.Query(ctx, `
			SELECT `+inviteColumns+`
			FROM invites
			WHERE organization_id = $1
			ORDER BY created_at DESC
		`, orgID)
		if err != nil {
			return fmt.Errorf("failed to list invites: %w", err)
		}
		defer rows.Close()

		invites = invites[:0]
		for rows.Next() {
			var inv Invite
			if err := scanInvite(rows, &inv); err != nil {
				return fmt.Errorf("failed to scan invite: %w", err)
			}
			invites = append(invites, inv)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating invites: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invites, nil
}

// AcceptInvite consumes a PENDING invite for userID. The invite row is
// locked for the whole transaction, so concurrent accepts serialize: the
// winner creates the membership and marks the invite ACCEPTED, the loser
// finds a non-PENDING status. If the user already belongs to the
// organization the invite is still consumed but no membership is created.
func (s *PgStore) AcceptInvite(ctx context.Context, inviteID, userID uuid.UUID) (*AcceptOutcome, error) {
	var outcome AcceptOutcome
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		var invite Invite
		err = scanInvite(tx.QueryRow(ctx, `
			SELECT `+inviteColumns+`
			FROM invites
			WHERE id = $1
			FOR UPDATE
		`, inviteID), &invite)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to load invite: %w", err)
		}

		if invite.Status != InvitePending {
			return ErrInviteNotPending
		}
		if invite.ExpiredAt(time.Now().UTC()) {
			// Lazy expiry is committed even though the accept fails.
			if _, err := tx.Exec(ctx, `
				UPDATE invites SET status = $2, updated_at = NOW() WHERE id = $1
			`, invite.ID, InviteExpired); err != nil {
				return fmt.Errorf("failed to expire invite: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit expiry: %w", err)
			}
			return ErrInviteExpired
		}

		var userEmail string
		err = tx.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&userEmail)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user %s not found", userID)
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		if !strings.EqualFold(userEmail, invite.Email) {
			return ErrInviteEmailMismatch
		}

		// The membership primary key makes at-most-one-membership hold even
		// if another path created the row concurrently.
		tag, err := tx.Exec(ctx, `
			INSERT INTO memberships (user_id, organization_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, organization_id) DO NOTHING
		`, userID, invite.OrganizationID, invite.Role)
		if err != nil {
			return fmt.Errorf("failed to create membership: %w", err)
		}
		memberCreated := tag.RowsAffected() == 1

		if _, err := tx.Exec(ctx, `
			UPDATE invites SET status = $2, updated_at = NOW() WHERE id = $1
		`, invite.ID, InviteAccepted); err != nil {
			return fmt.Errorf("failed to mark invite accepted: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		invite.Status = InviteAccepted
		outcome = AcceptOutcome{Invite: &invite, MemberCreated: memberCreated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// RejectInvite transitions a PENDING or EXPIRED invite to REJECTED.
func (s *PgStore) RejectInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error) {
	var invite Invite
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		err = scanInvite(tx.QueryRow(ctx, `
			SELECT `+inviteColumns+` FROM invites WHERE id = $1 FOR UPDATE
		`, inviteID), &invite)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to load invite: %w", err)
		}

		// An expired-but-unswept PENDING row counts as EXPIRED here.
		status := invite.Status
		if status == InvitePending && invite.ExpiredAt(time.Now().UTC()) {
			status = InviteExpired
		}

		switch status {
		case InviteAccepted:
			return ErrInviteImmutable
		case InviteRejected:
			return ErrInviteNotPending
		}

		if _, err := tx.Exec(ctx, `
			UPDATE invites SET status = $2, updated_at = NOW() WHERE id = $1
		`, invite.ID, InviteRejected); err != nil {
			return fmt.Errorf("failed to reject invite: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		invite.Status = InviteRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// RenewInvite pushes a PENDING invite's expiry forward for a resend.
func (s *PgStore) RenewInvite(ctx context.Context, inviteID uuid.UUID, expiresAt time.Time) (*Invite, error) {
	var invite Invite
	err := s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		err = scanInvite(tx.QueryRow(ctx, `
			SELECT `+inviteColumns+` FROM invites WHERE id = $1 FOR UPDATE
		`, inviteID), &invite)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to load invite: %w", err)
		}

		if invite.Status != InvitePending {
			return ErrInviteNotPending
		}
		if invite.ExpiredAt(time.Now().UTC()) {
			if _, err := tx.Exec(ctx, `
				UPDATE invites SET status = $2, updated_at = NOW() WHERE id = $1
			`, invite.ID, InviteExpired); err != nil {
				return fmt.Errorf("failed to expire invite: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit expiry: %w", err)
			}
			return ErrInviteExpired
		}

		err = scanInvite(tx.QueryRow(ctx, `
			UPDATE invites SET expires_at = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+inviteColumns+`
		`, invite.ID, expiresAt), &invite)
		if err != nil {
			return fmt.Errorf("failed to renew invite: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// DeleteInvite removes a PENDING or EXPIRED invite. ACCEPTED and REJECTED
// invites are retained as history.
func (s *PgStore) DeleteInvite(ctx context.Context, inviteID uuid.UUID) error {
	return s.run(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		var invite Invite
		err = scanInvite(tx.QueryRow(ctx, `
			SELECT `+inviteColumns+` FROM invites WHERE id = $1 FOR UPDATE
		`, inviteID), &invite)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to load invite: %w", err)
		}

		status := invite.Status
		if status == InvitePending && invite.ExpiredAt(time.Now().UTC()) {
			status = InviteExpired
		}

		switch status {
		case InviteAccepted:
			return ErrInviteImmutable
		case InviteRejected:
			return ErrInviteNotPending
		}

		if _, err := tx.Exec(ctx, `DELETE FROM invites WHERE id = $1`, invite.ID); err != nil {
			return fmt.Errorf("failed to delete invite: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// ExpireInvites marks every PENDING invite past its expiry as EXPIRED.
func (s *PgStore) ExpireInvites(ctx context.Context, now time.Time) (int64, error) {
	var expired int64
	err := s.run(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE invites
			SET status = $2, updated_at = NOW()
			WHERE status = $1 AND expires_at <= $3
		`, InvitePending, InviteExpired, now)
		if err != nil {
			return fmt.Errorf("failed to expire invites: %w", err)
		}
		expired = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}
