// Package otp implements mail-delivered one-time codes: 5-digit codes for
// enrollment, 6-digit codes for account recovery. State lives in Valkey,
// keyed by address, following the same STRING-with-TTL idiom as the
// teacher's MFA ticket store.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sentinel errors for the otp package.
var (
	ErrInvalidCode = errors.New("invalid or expired code")
	ErrTooSoon     = errors.New("otp requested too soon after the previous one")
)

// Purpose distinguishes the digit-length and copy used for a code.
type Purpose int

const (
	// Enrollment codes are 5 digits, sent when a new address first signs up.
	Enrollment Purpose = iota
	// Recovery codes are 6 digits, sent for account recovery.
	Recovery
)

func (p Purpose) digits() int {
	if p == Recovery {
		return 6
	}
	return 5
}

// MailSender dispatches a one-time code to an address. Absence of a sender
// (nil) is tolerated by Service.Generate: the code still gets created, only
// delivery is skipped.
type MailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// TooSoonError carries the remaining cooldown before another code may be
// requested for the same address.
type TooSoonError struct {
	Wait time.Duration
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("please wait %d seconds", int(e.Wait.Seconds()))
}

func (e *TooSoonError) Is(target error) bool { return target == ErrTooSoon }

// Service generates and verifies mail-delivered OTP codes.
type Service struct {
	rdb    *redis.Client
	mailer MailSender
	expiry time.Duration
	wait   time.Duration
	log    zerolog.Logger
}

// New creates an OTP service. expiry is how long a generated code remains
// valid; wait is the cooldown window before the same address may request
// another code, measured back from expiry (spec: "(expiry − wait) minutes
// from last issuance").
func New(rdb *redis.Client, mailer MailSender, expiry, wait time.Duration, logger zerolog.Logger) *Service {
	return &Service{rdb: rdb, mailer: mailer, expiry: expiry, wait: wait, log: logger}
}

func codeKey(address string) string { return "otp:" + address }

// Generate creates and stores a new code for address, subject to the
// cooldown: if a live code was issued within the last (expiry − wait), it
// refuses with a *TooSoonError instead of overwriting it. On success, the
// code is dispatched through the configured MailSender; a nil mailer is
// non-fatal (warning log only), since dev environments read the code out of
// the log.
func (s *Service) Generate(ctx context.Context, address, subject, bodyPrefix string, purpose Purpose) error {
	key := codeKey(address)

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		admittedAfter := s.expiry - s.wait
		elapsed := s.expiry - ttl
		if elapsed < admittedAfter {
			return &TooSoonError{Wait: admittedAfter - elapsed}
		}
	}

	code, err := generateCode(purpose.digits())
	if err != nil {
		return fmt.Errorf("generate otp code: %w", err)
	}

	if err := s.rdb.Set(ctx, key, code, s.expiry).Err(); err != nil {
		return fmt.Errorf("store otp code: %w", err)
	}

	if s.mailer == nil {
		s.log.Warn().Str("address", address).Str("code", code).Msg("no mail sender configured, code logged for dev use")
		return nil
	}

	body := fmt.Sprintf("%s\n\nYour code: %s\n\nThis code expires in %d minutes.\n", bodyPrefix, code, int(s.expiry.Minutes()))
	if err := s.mailer.Send(ctx, address, subject, body); err != nil {
		return fmt.Errorf("send otp email: %w", err)
	}
	return nil
}

// Verify checks code against the live code for address in constant time.
// Verification is single-use: a matching code is deleted before returning,
// so it can never be replayed. A mismatch leaves the stored code in place
// for the user to retry until it expires.
func (s *Service) Verify(ctx context.Context, address, code string) error {
	key := codeKey(address)
	stored, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("read otp code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return ErrInvalidCode
	}

	if delErr := s.rdb.Del(ctx, key).Err(); delErr != nil {
		s.log.Warn().Err(delErr).Msg("failed to delete consumed otp code")
	}
	return nil
}

func generateCode(digits int) (string, error) {
	var b strings.Builder
	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
