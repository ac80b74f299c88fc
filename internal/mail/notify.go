package mail

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/user"
)

// PrefsReader is the slice of the user repository the notifier needs.
type PrefsReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
	GetNotificationPrefs(ctx context.Context, id uuid.UUID) (user.NotificationPrefs, error)
}

// Kind selects which notification-preference flag gates a message.
type Kind int

const (
	// KindInvite covers invitation emails sent to the invited address.
	KindInvite Kind = iota
	// KindUpdate covers account-change notices (new credential, profile edits).
	KindUpdate
	// KindCancel covers removal notices (device removed, membership revoked).
	KindCancel
	// KindSelfInvite covers copies of invitations a user sent to themselves.
	KindSelfInvite
	// KindRSVPToOrganizer covers join notices delivered to a channel owner.
	KindRSVPToOrganizer
)

// Notifier sends preference-gated notification emails. Every message is
// best-effort: a missing sender or a delivery failure downgrades to a
// warning log and never fails the triggering operation.
type Notifier struct {
	sender Sender
	prefs  PrefsReader
	log    zerolog.Logger
}

// NewNotifier creates a notification mailer. sender may be nil; every send
// is then skipped with a warning log, matching how one-time codes behave
// without SMTP.
func NewNotifier(sender Sender, prefs PrefsReader, logger zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, prefs: prefs, log: logger.With().Str("component", "mail").Logger()}
}

func enabled(p user.NotificationPrefs, kind Kind) bool {
	switch kind {
	case KindInvite:
		return p.InviteEmail
	case KindUpdate:
		return p.UpdateEmail
	case KindCancel:
		return p.CancelEmail
	case KindSelfInvite:
		return p.SelfInviteEmail
	case KindRSVPToOrganizer:
		return p.RSVPToOrganizerEmail
	default:
		return false
	}
}

// NotifyUser sends a notification to userID's address if the preference flag
// for kind is on. A false flag skips the send entirely.
func (n *Notifier) NotifyUser(ctx context.Context, userID uuid.UUID, kind Kind, subject, body string) {
	prefs, err := n.prefs.GetNotificationPrefs(ctx, userID)
	if err != nil {
		n.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to load notification prefs")
		return
	}
	if !enabled(prefs, kind) {
		return
	}

	u, err := n.prefs.GetByID(ctx, userID)
	if err != nil {
		n.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to load user for notification")
		return
	}
	n.NotifyAddress(ctx, u.Address, subject, body)
}

// NotifyAddress sends directly to an address with no preference gate, used
// when the recipient has no account yet (e.g. an invitation to a fresh
// address).
func (n *Notifier) NotifyAddress(ctx context.Context, address, subject, body string) {
	if n.sender == nil {
		n.log.Warn().Str("address", address).Str("subject", subject).Msg("no mail sender configured, notification skipped")
		return
	}
	if err := n.sender.Send(ctx, address, subject, body); err != nil {
		n.log.Warn().Err(err).Str("address", address).Msg("notification send failed")
	}
}

// InviteBody renders the invitation email body.
func InviteBody(serverName, inviterAddress, token string) string {
	return fmt.Sprintf(
		"You have been invited to join %s by %s.\n\n"+
			"Your invitation token: %s\n\n"+
			"The token is valid for one enrollment and expires automatically.\n",
		serverName, inviterAddress, token,
	)
}
