// Package mailer defines the outbound email collaborator. Composition and
// delivery live outside this service; the interface is the boundary.
package mailer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tenantcore/tenantcore/internal/roles"
)

// InviteMessage carries everything the delivery layer needs to send an
// organization invite.
type InviteMessage struct {
	Email     string
	OrgName   string
	Role      roles.Role
	ExpiresAt time.Time
}

// Mailer sends invite email. A send error means the message was not
// delivered and the caller must not treat the invite as (re)sent.
type Mailer interface {
	SendInvite(ctx context.Context, msg InviteMessage) error
}

// LogMailer logs instead of sending. Default in dev.
type LogMailer struct{}

func (LogMailer) SendInvite(ctx context.Context, msg InviteMessage) error {
	log.Info().
		Str("email", msg.Email).
		Str("org", msg.OrgName).
		Str("role", string(msg.Role)).
		Time("expires_at", msg.ExpiresAt).
		Msg("Invite email (log mailer)")
	return nil
}
