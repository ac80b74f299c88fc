package user

import "testing"

func TestDefaultNotificationPrefs(t *testing.T) {
	t.Parallel()
	prefs := DefaultNotificationPrefs()
	if !prefs.InviteEmail || !prefs.UpdateEmail || !prefs.CancelEmail || !prefs.RSVPToOrganizerEmail {
		t.Errorf("DefaultNotificationPrefs() = %+v, want standard flags on by default", prefs)
	}
	if prefs.SelfInviteEmail {
		t.Errorf("DefaultNotificationPrefs().SelfInviteEmail = true, want false")
	}
}
