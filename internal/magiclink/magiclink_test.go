package magiclink

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	svc := New(NewStore(), []byte("signing-key"), "https://chat.example")
	userID := uuid.New()

	link, err := svc.Mint("user@example.com", userID)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	address, gotUser, err := svc.Verify(link)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if address != "user@example.com" || gotUser != userID {
		t.Errorf("Verify() = (%q, %v), want (%q, %v)", address, gotUser, "user@example.com", userID)
	}
}

func TestVerifyIsOneShot(t *testing.T) {
	t.Parallel()
	svc := New(NewStore(), []byte("signing-key"), "https://chat.example")
	link, _ := svc.Mint("user@example.com", uuid.New())

	if _, _, err := svc.Verify(link); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if _, _, err := svc.Verify(link); err != ErrUnknown {
		t.Errorf("second Verify() error = %v, want ErrUnknown", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	t.Parallel()
	svc := New(NewStore(), []byte("signing-key"), "https://chat.example")
	link, _ := svc.Mint("user@example.com", uuid.New())

	tampered := link[:len(link)-2] + "00"
	if _, _, err := svc.Verify(tampered); err != ErrBadHMAC {
		t.Errorf("Verify(tampered) error = %v, want ErrBadHMAC", err)
	}
}

func TestVerifyRejectsMalformedLink(t *testing.T) {
	t.Parallel()
	svc := New(NewStore(), []byte("signing-key"), "https://chat.example")
	if _, _, err := svc.Verify("not-enough-fields"); err != ErrMalformed {
		t.Errorf("Verify() error = %v, want ErrMalformed", err)
	}
}

func TestVerifyRejectsExpiredLink(t *testing.T) {
	t.Parallel()
	store := NewStore()
	svc := New(store, []byte("signing-key"), "https://chat.example")
	start := time.Now()
	store.nowFunc = func() time.Time { return start }

	link, _ := svc.Mint("user@example.com", uuid.New())

	store.nowFunc = func() time.Time { return start.Add(Lifetime + time.Minute) }
	if _, _, err := svc.Verify(link); err != ErrExpired {
		t.Errorf("Verify() error = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsWrongServerURL(t *testing.T) {
	t.Parallel()
	svc := New(NewStore(), []byte("signing-key"), "https://chat.example")
	other := New(NewStore(), []byte("signing-key"), "https://other.example")
	link, _ := svc.Mint("user@example.com", uuid.New())

	if _, _, err := other.Verify(link); err != ErrMalformed {
		t.Errorf("Verify() across server URLs error = %v, want ErrMalformed", err)
	}
}
