package invite

import (
	"testing"
	"time"
)

func TestGenerateTokenIsUnique(t *testing.T) {
	t.Parallel()
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if a == b {
		t.Error("GenerateToken() produced duplicate tokens")
	}
	if len(a) == 0 {
		t.Error("GenerateToken() returned empty string")
	}
}

func TestInviteExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	inv := Invite{ExpiresAt: now.Add(-time.Minute)}
	if !inv.Expired(now) {
		t.Error("Invite.Expired() = false, want true")
	}
	inv.ExpiresAt = now.Add(time.Minute)
	if inv.Expired(now) {
		t.Error("Invite.Expired() = true, want false")
	}
}

func TestInviteUsed(t *testing.T) {
	t.Parallel()
	inv := Invite{}
	if inv.Used() {
		t.Error("Invite.Used() = true, want false")
	}
	now := time.Now()
	inv.UsedAt = &now
	if !inv.Used() {
		t.Error("Invite.Used() = false, want true")
	}
}
