// Package credential brokers WebAuthn ceremonies: WebAuthn
// registration and assertion ceremonies, with the resulting credentials
// persisted as a serialized array on the user row.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// Sentinel errors for the credential package.
var (
	ErrNoCeremony      = errors.New("no credential ceremony in progress")
	ErrCeremonyExpired = errors.New("credential ceremony expired")
	ErrNoCredentials   = errors.New("user has no registered credentials")
)

// ceremonyTTL bounds how long a begun registration or assertion ceremony
// stays valid before the caller must restart it.
const ceremonyTTL = 5 * time.Minute

// Store is the persistence seam onto the user row's credentials array.
type Store interface {
	GetCredentials(ctx context.Context, userID uuid.UUID) ([]byte, error)
	ReplaceCredentials(ctx context.Context, userID uuid.UUID, raw []byte) error
}

// account adapts one user to the webauthn.User interface.
type account struct {
	id          uuid.UUID
	address     string
	credentials []webauthn.Credential
}

func (a *account) WebAuthnID() []byte          { return []byte(a.id.String()) }
func (a *account) WebAuthnName() string        { return a.address }
func (a *account) WebAuthnDisplayName() string { return a.address }
func (a *account) WebAuthnIcon() string        { return "" }
func (a *account) WebAuthnCredentials() []webauthn.Credential {
	return a.credentials
}

// ceremony tracks in-progress registration/assertion state keyed by session
// id, mirroring internal/magiclink's in-memory map idiom for process-local
// ephemeral state.
type ceremony struct {
	userID    uuid.UUID
	data      webauthn.SessionData
	expiresAt time.Time
}

// Service implements the CredentialBroker.
type Service struct {
	webAuthn *webauthn.WebAuthn
	store    Store

	mu         sync.Mutex
	ceremonies map[string]*ceremony
	nowFunc    func() time.Time
}

// New creates a credential broker for the given relying party.
func New(rpDisplayName, rpID string, rpOrigins []string, store Store) (*Service, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn relying party: %w", err)
	}
	return &Service{
		webAuthn:   w,
		store:      store,
		ceremonies: make(map[string]*ceremony),
		nowFunc:    time.Now,
	}, nil
}

func (s *Service) loadAccount(ctx context.Context, userID uuid.UUID, address string) (*account, error) {
	raw, err := s.store.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	var creds []webauthn.Credential
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &creds); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	return &account{id: userID, address: address, credentials: creds}, nil
}

// BeginEnrollment starts a WebAuthn registration ceremony and returns the
// creation options the client must pass to navigator.credentials.create().
func (s *Service) BeginEnrollment(ctx context.Context, userID uuid.UUID, address string) (*protocol.CredentialCreation, string, error) {
	acc, err := s.loadAccount(ctx, userID, address)
	if err != nil {
		return nil, "", err
	}

	creation, data, err := s.webAuthn.BeginRegistration(acc)
	if err != nil {
		return nil, "", fmt.Errorf("begin webauthn registration: %w", err)
	}

	ceremonyID := uuid.New().String()
	s.mu.Lock()
	s.sweepLocked()
	s.ceremonies[ceremonyID] = &ceremony{userID: userID, data: *data, expiresAt: s.nowFunc().Add(ceremonyTTL)}
	s.mu.Unlock()

	return creation, ceremonyID, nil
}

// FinishEnrollment completes a registration ceremony, persisting the new
// credential onto the user's credential array.
func (s *Service) FinishEnrollment(ctx context.Context, ceremonyID, address string, response *protocol.ParsedCredentialCreationData) error {
	c, err := s.takeCeremony(ceremonyID)
	if err != nil {
		return err
	}

	acc, err := s.loadAccount(ctx, c.userID, address)
	if err != nil {
		return err
	}

	cred, err := s.webAuthn.CreateCredential(acc, c.data, response)
	if err != nil {
		return fmt.Errorf("finish webauthn registration: %w", err)
	}

	ensureHybridTransport(cred)
	acc.credentials = append(acc.credentials, *cred)
	raw, err := json.Marshal(acc.credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return s.store.ReplaceCredentials(ctx, c.userID, raw)
}

// BeginAssertion starts a WebAuthn login ceremony for a known user.
func (s *Service) BeginAssertion(ctx context.Context, userID uuid.UUID, address string) (*protocol.CredentialAssertion, string, error) {
	acc, err := s.loadAccount(ctx, userID, address)
	if err != nil {
		return nil, "", err
	}
	if len(acc.credentials) == 0 {
		return nil, "", ErrNoCredentials
	}

	assertion, data, err := s.webAuthn.BeginLogin(acc)
	if err != nil {
		return nil, "", fmt.Errorf("begin webauthn login: %w", err)
	}

	ceremonyID := uuid.New().String()
	s.mu.Lock()
	s.sweepLocked()
	s.ceremonies[ceremonyID] = &ceremony{userID: userID, data: *data, expiresAt: s.nowFunc().Add(ceremonyTTL)}
	s.mu.Unlock()

	return assertion, ceremonyID, nil
}

// FinishAssertion completes a login ceremony, returning the authenticated
// user id on success.
func (s *Service) FinishAssertion(ctx context.Context, ceremonyID, address string, response *protocol.ParsedCredentialAssertionData) (uuid.UUID, error) {
	c, err := s.takeCeremony(ceremonyID)
	if err != nil {
		return uuid.Nil, err
	}

	acc, err := s.loadAccount(ctx, c.userID, address)
	if err != nil {
		return uuid.Nil, err
	}

	updatedCred, err := s.webAuthn.ValidateLogin(acc, c.data, response)
	if err != nil {
		return uuid.Nil, fmt.Errorf("finish webauthn login: %w", err)
	}

	for i := range acc.credentials {
		if string(acc.credentials[i].ID) == string(updatedCred.ID) {
			acc.credentials[i] = *updatedCred
			break
		}
	}
	raw, err := json.Marshal(acc.credentials)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal credentials: %w", err)
	}
	if err := s.store.ReplaceCredentials(ctx, c.userID, raw); err != nil {
		return uuid.Nil, err
	}

	return c.userID, nil
}

// ensureHybridTransport appends the hybrid transport to a credential's
// declared transports if the authenticator did not report it, so the
// credential stays usable for cross-device resumption.
func ensureHybridTransport(cred *webauthn.Credential) {
	for _, t := range cred.Transport {
		if t == protocol.Hybrid {
			return
		}
	}
	cred.Transport = append(cred.Transport, protocol.Hybrid)
}

func (s *Service) takeCeremony(ceremonyID string) (*ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ceremonies[ceremonyID]
	if !ok {
		return nil, ErrNoCeremony
	}
	delete(s.ceremonies, ceremonyID)
	if s.nowFunc().After(c.expiresAt) {
		return nil, ErrCeremonyExpired
	}
	return c, nil
}

// sweepLocked drops expired ceremonies. Called with mu held.
func (s *Service) sweepLocked() {
	now := s.nowFunc()
	for id, c := range s.ceremonies {
		if now.After(c.expiresAt) {
			delete(s.ceremonies, id)
		}
	}
}
