package mail

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/user"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) Send(_ context.Context, to, subject, _ string) error {
	s.sent = append(s.sent, to+"|"+subject)
	return nil
}

type prefsFixture struct {
	u     *user.User
	prefs user.NotificationPrefs
}

func (f *prefsFixture) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	if f.u == nil || f.u.ID != id {
		return nil, user.ErrNotFound
	}
	return f.u, nil
}

func (f *prefsFixture) GetNotificationPrefs(_ context.Context, id uuid.UUID) (user.NotificationPrefs, error) {
	if f.u == nil || f.u.ID != id {
		return user.NotificationPrefs{}, user.ErrNotFound
	}
	return f.prefs, nil
}

func TestNotifyUserHonorsFlag(t *testing.T) {
	t.Parallel()

	u := &user.User{ID: uuid.New(), Address: "pref@x.test"}
	fixture := &prefsFixture{u: u, prefs: user.NotificationPrefs{InviteEmail: true}}
	sender := &recordingSender{}
	n := NewNotifier(sender, fixture, zerolog.Nop())

	n.NotifyUser(context.Background(), u.ID, KindInvite, "invited", "body")
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1 with flag on", len(sender.sent))
	}

	// The cancel flag is off, so nothing goes out.
	n.NotifyUser(context.Background(), u.ID, KindCancel, "removed", "body")
	if len(sender.sent) != 1 {
		t.Errorf("sent %d mails, want flag-off kind skipped", len(sender.sent))
	}
}

func TestNotifyUserNilSenderSkips(t *testing.T) {
	t.Parallel()

	u := &user.User{ID: uuid.New(), Address: "nosmtp@x.test"}
	fixture := &prefsFixture{u: u, prefs: user.DefaultNotificationPrefs()}
	n := NewNotifier(nil, fixture, zerolog.Nop())

	// Must not panic without SMTP configured.
	n.NotifyUser(context.Background(), u.ID, KindUpdate, "changed", "body")
}

func TestNotifyAddressBypassesPrefs(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	n := NewNotifier(sender, &prefsFixture{}, zerolog.Nop())

	n.NotifyAddress(context.Background(), "fresh@x.test", "welcome", "body")
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sender.sent))
	}
}
