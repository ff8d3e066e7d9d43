// Package auth signs and verifies the compact HS256 racer tokens accepted on
// the race websocket.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrNoSecret rejects signers and verifiers built without a shared secret.
	ErrNoSecret = errors.New("hmac secret must not be empty")
)

// RacerClaims identifies a driver. Subject becomes the racer ID and Name the
// suggested display name.
type RacerClaims struct {
	Subject   string    `json:"sub"`
	Name      string    `json:"name,omitempty"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	Expires int64  `json:"exp"`
	Issued  int64  `json:"iat"`
}

var encodedHeader = mustSegment(tokenHeader{Algorithm: "HS256", Type: "JWT"})

// Keyring holds the shared secret used on both ends of a racer token.
type Keyring struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewKeyring constructs a keyring for secret with the given clock skew allowance.
func NewKeyring(secret string, leeway time.Duration) (*Keyring, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Keyring{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the keyring clock.
func (k *Keyring) WithClock(clock func() time.Time) {
	if k == nil || clock == nil {
		return
	}
	k.now = clock
}

// Issue signs a token for subject valid for ttl.
func (k *Keyring) Issue(subject, name string, ttl time.Duration) (string, error) {
	if k == nil || len(k.secret) == 0 {
		return "", ErrNoSecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidToken)
	}
	now := k.now()
	payload, err := encodeSegment(tokenPayload{
		Subject: subject,
		Name:    strings.TrimSpace(name),
		Expires: now.Add(ttl).Unix(),
		Issued:  now.Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := encodedHeader + "." + payload
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(k.sign([]byte(signingInput))), nil
}

// Verify checks the signature and expiry and returns the embedded claims.
func (k *Keyring) Verify(token string) (RacerClaims, error) {
	if k == nil || len(k.secret) == 0 {
		return RacerClaims{}, ErrNoSecret
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return RacerClaims{}, ErrInvalidToken
	}

	//1.- Only HS256 is accepted; anything else is refused before hashing.
	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return RacerClaims{}, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return RacerClaims{}, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, k.sign([]byte(parts[0]+"."+parts[1]))) {
		return RacerClaims{}, ErrInvalidToken
	}

	var payload tokenPayload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return RacerClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return RacerClaims{}, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(k.leeway).Before(k.now()) {
		return RacerClaims{}, ErrExpiredToken
	}
	return RacerClaims{
		Subject:   payload.Subject,
		Name:      payload.Name,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expiresAt,
	}, nil
}

func (k *Keyring) sign(input []byte) []byte {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(input)
	return mac.Sum(nil)
}

func encodeSegment(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func mustSegment(v any) string {
	segment, err := encodeSegment(v)
	if err != nil {
		panic(err)
	}
	return segment
}

func decodeSegment(segment string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
