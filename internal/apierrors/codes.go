// Package apierrors holds the stable machine-readable error codes returned
// to clients, independent of HTTP status.
package apierrors

// Code is a stable, machine-readable error identifier returned in API
// responses alongside a human-readable message.
type Code string

const (
	// Input
	MalformedInput Code = "MALFORMED_INPUT"
	InvalidAddress Code = "INVALID_ADDRESS"
	PolicyRefused  Code = "POLICY_REFUSED"

	// Flow
	NotAuthenticated Code = "NOT_AUTHENTICATED"
	Forbidden        Code = "FORBIDDEN"
	StateMismatch    Code = "STATE_MISMATCH"

	// Credential
	CredentialInvalid    Code = "CREDENTIAL_INVALID"
	OriginMismatch       Code = "ORIGIN_MISMATCH"
	ChallengeMismatch    Code = "CHALLENGE_MISMATCH"
	CredentialUnknown    Code = "CREDENTIAL_UNKNOWN"
	UserNotFound         Code = "USER_NOT_FOUND"
	AccountUnverified    Code = "ACCOUNT_UNVERIFIED"
	NoCredentialsEnroled Code = "NO_CREDENTIALS_ENROLED"

	// OTP / Backup
	OtpInvalid           Code = "OTP_INVALID"
	OtpExpired           Code = "OTP_EXPIRED"
	CooldownActive       Code = "COOLDOWN_ACTIVE"
	TooEarly             Code = "TOO_EARLY"
	NoBackupCodes        Code = "NO_BACKUP_CODES"
	RegenerateNotAllowed Code = "REGENERATE_NOT_YET_ALLOWED"

	// Session
	RequestExpired   Code = "REQUEST_EXPIRED"
	DuplicateNonce   Code = "DUPLICATE_NONCE"
	InvalidSignature Code = "INVALID_SIGNATURE"
	NoSession        Code = "NO_SESSION"
	SessionExpired   Code = "SESSION_EXPIRED"
	UserInactive     Code = "USER_INACTIVE"
	ChainCompromised Code = "CHAIN_COMPROMISED"

	// Device / PreKey
	DeviceNotFound       Code = "DEVICE_NOT_FOUND"
	PreKeyPoolEmpty      Code = "PRE_KEY_POOL_EMPTY"
	CurrentDeviceRefused Code = "CURRENT_DEVICE_REFUSED"

	// Channel
	ChannelNotFound  Code = "CHANNEL_NOT_FOUND"
	NotMember        Code = "NOT_MEMBER"
	OwnerCannotLeave Code = "OWNER_CANNOT_LEAVE"

	// Token / Mint
	TokenRevoked Code = "TOKEN_REVOKED"
	TokenExpired Code = "TOKEN_EXPIRED"
	TokenInvalid Code = "TOKEN_INVALID"

	// Generic
	Unauthorized  Code = "UNAUTHORIZED"
	InternalError Code = "INTERNAL_ERROR"
	NotFound      Code = "NOT_FOUND"
	Accepted      Code = "ACCEPTED"
)
