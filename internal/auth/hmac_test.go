package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestKeyring(t *testing.T, secret string, leeway time.Duration, now time.Time) *Keyring {
	t.Helper()
	keyring, err := NewKeyring(secret, leeway)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	keyring.WithClock(func() time.Time { return now })
	return keyring
}

func TestKeyringIssueVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", time.Second, now)

	token, err := keyring.Issue("driver-7", " Ayrton ", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := keyring.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "driver-7" || claims.Name != "Ayrton" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Minute)) || !claims.IssuedAt.Equal(now) {
		t.Fatalf("unexpected token window: %+v", claims)
	}
}

func TestKeyringAcceptsHandBuiltToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", time.Second, now)
	token := makeToken(t, "secret", "driver-3", now.Add(30*time.Second))

	claims, err := keyring.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "driver-3" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
}

func TestKeyringRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", 0, now)
	token := makeToken(t, "secret", "driver-7", now.Add(-time.Second))

	if _, err := keyring.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestKeyringLeewayCoversClockSkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", 2*time.Second, now)
	token := makeToken(t, "secret", "driver-7", now.Add(-time.Second))

	if _, err := keyring.Verify(token); err != nil {
		t.Fatalf("expected token inside leeway to pass, got %v", err)
	}
}

func TestKeyringRejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", time.Second, now)
	token := makeToken(t, "other-secret", "driver-7", now.Add(time.Minute))

	if _, err := keyring.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestKeyringRejectsOtherAlgorithms(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", time.Second, now)
	token := makeToken(t, "secret", "driver-7", now.Add(time.Minute))
	parts := strings.Split(token, ".")
	parts[0] = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	if _, err := keyring.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestKeyringRequiresSecretAndSubject(t *testing.T) {
	if _, err := NewKeyring("  ", 0); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	keyring := newTestKeyring(t, "secret", 0, time.Unix(1700000000, 0))
	if _, err := keyring.Issue(" ", "", time.Minute); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty subject, got %v", err)
	}
	if _, err := keyring.Issue("driver", "", 0); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for zero ttl, got %v", err)
	}
}

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}
