// Package media mints the short-lived signed bearer tokens handed to the
// external realtime media service: HMAC-signed JWTs carrying the subject,
// room, and grant set, plus TURN credentials derived from the same keys.
package media

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MaxValidity is the upper bound on a minted token's lifetime.
const MaxValidity = 24 * time.Hour

// ErrValidityTooLong is returned when the caller requests a lifetime beyond
// MaxValidity.
var ErrValidityTooLong = errors.New("requested token validity exceeds 24 hours")

// Grant describes what a subject may do inside a room.
type Grant struct {
	Join        bool
	Publish     bool
	Subscribe   bool
	PublishData bool
	Admin       bool
}

// RoomClaims holds the JWT claims minted for a realtime room session.
type RoomClaims struct {
	jwt.RegisteredClaims
	DisplayLabel string `json:"display_label"`
	RoomID       string `json:"room_id"`
	Grant        Grant  `json:"grant"`
}

// ICEServer is one entry in an ICE server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Minter mints signed room tokens and ICE-server credentials from the same
// key material.
type Minter struct {
	secret []byte
	issuer string
}

// New creates a Minter with the given signing secret and token issuer.
func New(secret []byte, issuer string) *Minter {
	return &Minter{secret: secret, issuer: issuer}
}

// Mint issues a signed bearer token for subjectUserID to join roomID with
// the given grant. A validity longer than MaxValidity is rejected with
// ErrValidityTooLong.
func (m *Minter) Mint(subjectUserID uuid.UUID, displayLabel, roomID string, grant Grant, validity time.Duration) (string, error) {
	if validity > MaxValidity {
		return "", ErrValidityTooLong
	}

	now := time.Now()
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectUserID.String(),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{roomID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		DisplayLabel: displayLabel,
		RoomID:       roomID,
		Grant:        grant,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a room token string.
func (m *Minter) Validate(tokenStr string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid room token")
	}
	return claims, nil
}

// ICEConfig returns a relay credential set for roomID, derived from the same
// minter keys used for room tokens: username is a time-limited HMAC
// username, password is its signature, following the standard short-lived
// TURN REST credential pattern.
func (m *Minter) ICEConfig(stunURLs, turnURLs []string, roomID string, validity time.Duration) ([]ICEServer, error) {
	if validity > MaxValidity {
		return nil, ErrValidityTooLong
	}

	expiry := time.Now().Add(validity).Unix()
	username := fmt.Sprintf("%d:%s", expiry, roomID)
	credential, err := m.turnCredential(username)
	if err != nil {
		return nil, err
	}

	servers := make([]ICEServer, 0, 2)
	if len(stunURLs) > 0 {
		servers = append(servers, ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		servers = append(servers, ICEServer{URLs: turnURLs, Username: username, Credential: credential})
	}
	return servers, nil
}

// turnCredential follows the standard TURN REST API convention: the
// credential is the base64 encoding of an HMAC-SHA1 of the username under
// the shared secret.
func (m *Minter) turnCredential(username string) (string, error) {
	mac := hmac.New(sha1.New, m.secret)
	if _, err := mac.Write([]byte(username)); err != nil {
		return "", fmt.Errorf("compute turn credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
