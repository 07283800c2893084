package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	EventUserSignup           = "user.signup"
	EventLoginFailed          = "auth.login_failed"
	EventOrgCreated           = "org.created"
	EventOrgUpdated           = "org.updated"
	EventOwnershipTransferred = "org.ownership_transferred"
	EventMemberRoleUpdated    = "org.member_role_updated"
	EventMemberRemoved        = "org.member_removed"
	EventInviteCreated        = "org.invite_created"
	EventInviteAccepted       = "org.invite_accepted"
	EventInviteRejected       = "org.invite_rejected"
	EventInviteResent         = "org.invite_resent"
	EventInviteDeleted        = "org.invite_deleted"
	EventRateLimited          = "ratelimit.denied"
	EventPermissionDenied     = "authz.denied"
	EventCacheInvalidated     = "cache.invalidated"
	EventCacheEpochBumped     = "cache.epoch_bumped"
)

// Entry is a single audit record.
type Entry struct {
	Action      string
	OrgID       *uuid.UUID
	ActorUserID *uuid.UUID
	Meta        map[string]interface{}
}

// Sink records audit entries. Implementations must not fail the surrounding
// operation: callers log and continue on error.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Writer persists audit entries to Postgres.
type Writer struct {
	pool *pgxpool.Pool
}

func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

func (w *Writer) Record(ctx context.Context, e Entry) error {
	metaJSON := []byte("{}")
	if e.Meta != nil {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit meta")
			return err
		}
		metaJSON = b
	}

	query := `
		INSERT INTO audit_log (organization_id, actor_user_id, action, meta)
		VALUES ($1, $2, $3, $4)
	`

	_, err := w.pool.Exec(ctx, query, toNullUUID(e.OrgID), toNullUUID(e.ActorUserID), e.Action, metaJSON)
	if err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("Failed to write audit log")
		return err
	}

	log.Info().
		Str("action", e.Action).
		Interface("org_id", e.OrgID).
		Interface("actor_user_id", e.ActorUserID).
		Msg("Audit event logged")

	return nil
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// DeleteOldEvents removes audit rows older than retentionDays. Idempotent;
// safe to run repeatedly from the retention sweep.
func DeleteOldEvents(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (int64, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM audit_log
		WHERE created_at < NOW() - INTERVAL '1 day' * $1
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NopSink discards audit entries. Used in tests.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, e Entry) error { return nil }

// MemorySink collects entries in memory for test assertions.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemorySink) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns a snapshot of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Actions returns just the action names, in record order.
func (s *MemorySink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}
