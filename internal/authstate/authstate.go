// Package authstate implements the authentication state machine: the
// top-level enrollment and login orchestrator that wires OTP issuance,
// backup codes, WebAuthn credential ceremonies, and session/device minting
// into the single state progression
// Anonymous → AwaitingOTP → OTPVerified → AwaitingBackupCodes →
// AwaitingCredentialEnrollment → AwaitingProfile → Complete.
//
// The machine itself holds no persistent state of its own; FlowState lives
// on the cookie session (internal/session) and advances only as a side
// effect of a successful contract call below.
package authstate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/signalcore/internal/backupcode"
	"github.com/uncord-chat/signalcore/internal/credential"
	"github.com/uncord-chat/signalcore/internal/device"
	"github.com/uncord-chat/signalcore/internal/hmacsession"
	"github.com/uncord-chat/signalcore/internal/invite"
	"github.com/uncord-chat/signalcore/internal/otp"
	"github.com/uncord-chat/signalcore/internal/refresh"
	"github.com/uncord-chat/signalcore/internal/role"
	"github.com/uncord-chat/signalcore/internal/session"
	"github.com/uncord-chat/signalcore/internal/user"
)

// FlowState values, in their only valid progression order.
const (
	Anonymous                    = "anonymous"
	AwaitingOTP                  = "awaiting_otp"
	OTPVerified                  = "otp_verified"
	AwaitingBackupCodes          = "awaiting_backup_codes"
	AwaitingCredentialEnrollment = "awaiting_credential_enrollment"
	AwaitingProfile              = "awaiting_profile"
	Complete                     = "complete"
)

// Sentinel errors for the authstate package.
var (
	ErrInviteRequired           = errors.New("an invitation token is required to enroll")
	ErrAddressPolicy            = errors.New("address is not permitted to enroll")
	ErrBackupCodesAlreadyIssued = errors.New("backup codes were already issued for this user")
	ErrCSRFRequired             = errors.New("embedded browser flow requires a csrf_state")
	ErrCSRFMismatch             = errors.New("csrf_state does not match the enrolling session")
)

// AddressPolicy enforces the configured allow/deny address-suffix lists
// checked by begin_enrollment. A suffix match is case-insensitive; deny
// takes precedence over allow; an empty allow list admits everything not
// denied.
type AddressPolicy struct {
	allow []string
	deny  []string
}

// NewAddressPolicy builds a policy from comma-separated suffix lists (e.g.
// config.AddressSuffixAllow/Deny). Entries are trimmed and lower-cased;
// empty entries are ignored.
func NewAddressPolicy(allowCSV, denyCSV string) AddressPolicy {
	return AddressPolicy{allow: splitSuffixes(allowCSV), deny: splitSuffixes(denyCSV)}
}

func splitSuffixes(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Allowed reports whether address may enroll under this policy.
func (p AddressPolicy) Allowed(address string) bool {
	lower := strings.ToLower(address)
	for _, d := range p.deny {
		if strings.HasSuffix(lower, d) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, a := range p.allow {
		if strings.HasSuffix(lower, a) {
			return true
		}
	}
	return false
}

// AddressBlocklist reports whether an address's domain is a known
// disposable-mail domain. internal/disposable's Blocklist satisfies it.
type AddressBlocklist interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// userCodeColumn is the narrow slice of user.Repository backupCodeStore
// needs; user.Repository satisfies it structurally.
type userCodeColumn interface {
	GetBackupCodes(ctx context.Context, userID uuid.UUID) ([]byte, error)
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, raw []byte) error
}

// backupCodeStore adapts internal/user's raw JSON column to
// internal/backupcode.Store's []Code shape.
type backupCodeStore struct {
	users userCodeColumn
}

func (b *backupCodeStore) Get(ctx context.Context, userID uuid.UUID) ([]backupcode.Code, error) {
	raw, err := b.users.GetBackupCodes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load backup codes: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var codes []backupcode.Code
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("unmarshal backup codes: %w", err)
	}
	return codes, nil
}

func (b *backupCodeStore) Replace(ctx context.Context, userID uuid.UUID, codes []backupcode.Code) error {
	raw, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	return b.users.ReplaceBackupCodes(ctx, userID, raw)
}

// NewBackupCodeStore exposes the user-row adapter so callers can construct
// a *backupcode.Service without duplicating the JSON shape elsewhere.
func NewBackupCodeStore(users user.Repository) backupcode.Store {
	return &backupCodeStore{users: users}
}

// EnrollmentResult carries what enroll_credential mints when the enrolled
// credential is the subject's first.
type EnrollmentResult struct {
	FirstCredential bool
	Device          *device.Device
	HMACSecret      []byte
	RefreshToken    string
}

// AssertionResult carries what assert_credential mints on a successful
// login.
type AssertionResult struct {
	UserID       uuid.UUID
	Device       *device.Device
	HMACSecret   []byte
	RefreshToken string
}

// Service orchestrates enrollment and login, wiring together the OTP,
// backup-code, credential, session, and device subcomponents.
type Service struct {
	users         user.Repository
	invites       invite.Repository
	otps          *otp.Service
	backupCodes   *backupcode.Service
	backupStore   backupcode.Store
	credentials   *credential.Service
	sessions      *session.Manager
	hmacSessions  *hmacsession.Store
	refreshTokens *refresh.Store
	devices       *device.Registry
	roles         role.Repository

	policy         AddressPolicy
	blocklist      AddressBlocklist
	inviteOnly     bool
	defaultRoleIDs []uuid.UUID
	hmacSessionTTL time.Duration

	log zerolog.Logger
}

// Config groups the construction-time policy knobs for New.
type Config struct {
	InviteOnly     bool
	Policy         AddressPolicy
	Blocklist      AddressBlocklist
	DefaultRoleIDs []uuid.UUID
	HMACSessionTTL time.Duration
}

// New assembles an AuthStateMachine from its subcomponents.
func New(
	users user.Repository,
	invites invite.Repository,
	otps *otp.Service,
	backupCodes *backupcode.Service,
	backupStore backupcode.Store,
	credentials *credential.Service,
	sessions *session.Manager,
	hmacSessions *hmacsession.Store,
	refreshTokens *refresh.Store,
	devices *device.Registry,
	roles role.Repository,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		users:          users,
		invites:        invites,
		otps:           otps,
		backupCodes:    backupCodes,
		backupStore:    backupStore,
		credentials:    credentials,
		sessions:       sessions,
		hmacSessions:   hmacSessions,
		refreshTokens:  refreshTokens,
		devices:        devices,
		roles:          roles,
		policy:         cfg.Policy,
		blocklist:      cfg.Blocklist,
		inviteOnly:     cfg.InviteOnly,
		defaultRoleIDs: cfg.DefaultRoleIDs,
		hmacSessionTTL: cfg.HMACSessionTTL,
		log:            logger.With().Str("component", "authstate").Logger(),
	}
}

// BeginEnrollment starts (or restarts) enrollment for address: validates
// invite-only mode and the address policy, ensures an unverified User row
// exists, and mints an enrollment OTP subject to its cooldown.
func (s *Service) BeginEnrollment(ctx context.Context, address string, invitationToken *string) error {
	if s.inviteOnly {
		if invitationToken == nil {
			return ErrInviteRequired
		}
		inv, err := s.invites.GetByToken(ctx, *invitationToken)
		if err != nil {
			if errors.Is(err, invite.ErrNotFound) {
				return ErrInviteRequired
			}
			return err
		}
		if inv.Used() {
			return invite.ErrAlreadyUsed
		}
		if inv.Expired(time.Now()) {
			return invite.ErrExpired
		}
		if inv.Address != nil && !strings.EqualFold(*inv.Address, address) {
			return invite.ErrAddressMismatch
		}
	}

	if !s.policy.Allowed(address) {
		return ErrAddressPolicy
	}

	if s.blocklist != nil {
		if _, domain, found := strings.Cut(address, "@"); found {
			blocked, err := s.blocklist.IsBlocked(ctx, domain)
			if err != nil {
				s.log.Warn().Err(err).Msg("disposable blocklist check failed, admitting address")
			} else if blocked {
				return ErrAddressPolicy
			}
		}
	}

	if _, err := s.users.EnsureByAddress(ctx, address); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}

	if err := s.otps.Generate(ctx, address, "Verify your address", "Welcome.", otp.Enrollment); err != nil {
		return err
	}
	return nil
}

// VerifyOTP validates code against the live enrollment code for address,
// marks the user verified, consumes a pending invitation if one was
// presented, and auto-assigns the configured default server roles. It does
// not change any flow or session state.
func (s *Service) VerifyOTP(ctx context.Context, address, code string, invitationToken *string) (*user.User, error) {
	if err := s.otps.Verify(ctx, address, code); err != nil {
		return nil, err
	}

	u, err := s.users.GetByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load verifying user: %w", err)
	}

	if err := s.users.MarkVerified(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("mark user verified: %w", err)
	}
	u.Verified = true

	if invitationToken != nil {
		if _, err := s.invites.Consume(ctx, *invitationToken, address); err != nil && !errors.Is(err, invite.ErrNotFound) {
			return nil, fmt.Errorf("consume invitation: %w", err)
		}
	}

	for _, roleID := range s.defaultRoleIDs {
		if err := s.roles.AssignServer(ctx, u.ID, roleID); err != nil {
			s.log.Warn().Err(err).Str("user_id", u.ID.String()).Str("role_id", roleID.String()).
				Msg("failed to auto-assign default role")
		}
	}

	return u, nil
}

// EmitBackupCodes issues the one-time backup-code batch for userID. Allowed
// exactly once per user; a second call fails with
// ErrBackupCodesAlreadyIssued.
func (s *Service) EmitBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	existing, err := s.backupStore.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrBackupCodesAlreadyIssued
	}
	return s.backupCodes.Generate(ctx, userID)
}

// BeginCredentialEnrollment starts a WebAuthn registration ceremony for
// userID.
func (s *Service) BeginCredentialEnrollment(ctx context.Context, userID uuid.UUID, address string) (*protocol.CredentialCreation, string, error) {
	return s.credentials.BeginEnrollment(ctx, userID, address)
}

// EnrollCredential finishes a registration ceremony. If userID had no prior
// credentials, it also mints a device record, an HMAC session, and a
// refresh token so the newly enrolled client can authenticate without a
// further round trip.
func (s *Service) EnrollCredential(
	ctx context.Context,
	userID uuid.UUID,
	address, ceremonyID string,
	response *protocol.ParsedCredentialCreationData,
	clientHandle string,
	sighting device.Sighting,
) (*EnrollmentResult, error) {
	existingRaw, err := s.users.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check existing credentials: %w", err)
	}
	first := len(existingRaw) == 0

	if err := s.credentials.FinishEnrollment(ctx, ceremonyID, address, response); err != nil {
		return nil, err
	}

	result := &EnrollmentResult{FirstCredential: first}
	if !first {
		return result, nil
	}

	dev, hmacSecret, refreshToken, err := s.mintDeviceSession(ctx, userID, clientHandle, sighting)
	if err != nil {
		return nil, err
	}
	result.Device = dev
	result.HMACSecret = hmacSecret
	result.RefreshToken = refreshToken
	return result, nil
}

// BeginCredentialAssertion starts a WebAuthn login ceremony for a known
// address.
func (s *Service) BeginCredentialAssertion(ctx context.Context, userID uuid.UUID, address string) (*protocol.CredentialAssertion, string, error) {
	return s.credentials.BeginAssertion(ctx, userID, address)
}

// AssertCredential finishes a login ceremony, marks the user active, and
// mints a fresh device/HMAC session/refresh token. For embedded-browser
// flows, csrfState must match the one-time value stored on cookieState by
// the caller when the ceremony began; it is consumed (never reusable)
// whether or not this call succeeds.
func (s *Service) AssertCredential(
	ctx context.Context,
	address, ceremonyID string,
	response *protocol.ParsedCredentialAssertionData,
	fromEmbeddedBrowser bool,
	cookieState *session.State,
	csrfState *string,
	clientHandle string,
	sighting device.Sighting,
) (*AssertionResult, error) {
	if fromEmbeddedBrowser {
		expected := ""
		if cookieState != nil {
			expected = cookieState.PendingCSRF
		}
		if cookieState != nil {
			cookieState.PendingCSRF = ""
		}
		if expected == "" || csrfState == nil {
			return nil, ErrCSRFRequired
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(*csrfState)) != 1 {
			return nil, ErrCSRFMismatch
		}
	}

	userID, err := s.credentials.FinishAssertion(ctx, ceremonyID, address, response)
	if err != nil {
		return nil, err
	}

	if err := s.users.SetActive(ctx, userID, true); err != nil {
		return nil, fmt.Errorf("mark user active: %w", err)
	}

	dev, hmacSecret, refreshToken, err := s.mintDeviceSession(ctx, userID, clientHandle, sighting)
	if err != nil {
		return nil, err
	}

	return &AssertionResult{UserID: userID, Device: dev, HMACSecret: hmacSecret, RefreshToken: refreshToken}, nil
}

// IssueCSRFState mints a one-time token and stashes it on cookieState for a
// later embedded-browser AssertCredential call to consume.
func (s *Service) IssueCSRFState(cookieState *session.State) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	cookieState.PendingCSRF = token
	return token, nil
}

func (s *Service) mintDeviceSession(ctx context.Context, userID uuid.UUID, clientHandle string, sighting device.Sighting) (*device.Device, []byte, string, error) {
	dev, err := s.devices.FindOrCreate(ctx, clientHandle, userID, sighting)
	if err != nil {
		return nil, nil, "", fmt.Errorf("register device: %w", err)
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, nil, "", err
	}
	if _, err := s.hmacSessions.Create(ctx, clientHandle, userID, dev.DeviceID, secret, sighting.UserAgent, s.hmacSessionTTL); err != nil {
		return nil, nil, "", fmt.Errorf("create hmac session: %w", err)
	}

	refreshToken, err := s.refreshTokens.Issue(ctx, clientHandle, userID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("issue refresh token: %w", err)
	}

	return dev, secret, refreshToken, nil
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate hmac secret: %w", err)
	}
	return buf, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}
