package credential

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTakeCeremonyExpired(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &Service{
		ceremonies: map[string]*ceremony{
			"c1": {userID: uuid.New(), expiresAt: fixed.Add(-time.Second)},
		},
		nowFunc: func() time.Time { return fixed },
	}
	if _, err := svc.takeCeremony("c1"); err != ErrCeremonyExpired {
		t.Errorf("takeCeremony() error = %v, want ErrCeremonyExpired", err)
	}
}

func TestTakeCeremonyUnknown(t *testing.T) {
	t.Parallel()
	svc := &Service{ceremonies: map[string]*ceremony{}, nowFunc: time.Now}
	if _, err := svc.takeCeremony("missing"); err != ErrNoCeremony {
		t.Errorf("takeCeremony() error = %v, want ErrNoCeremony", err)
	}
}

func TestTakeCeremonyIsOneShot(t *testing.T) {
	t.Parallel()
	fixed := time.Now()
	svc := &Service{
		ceremonies: map[string]*ceremony{"c1": {userID: uuid.New(), expiresAt: fixed.Add(time.Minute)}},
		nowFunc:    func() time.Time { return fixed },
	}
	if _, err := svc.takeCeremony("c1"); err != nil {
		t.Fatalf("takeCeremony() error = %v", err)
	}
	if _, err := svc.takeCeremony("c1"); err != ErrNoCeremony {
		t.Errorf("second takeCeremony() error = %v, want ErrNoCeremony", err)
	}
}
