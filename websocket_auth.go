package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"poleposition/raceserver/internal/auth"
)

var errMissingToken = errors.New("missing auth token")

// racerIdentity is who a websocket connection claims to be. An empty ID asks
// the server to mint one.
type racerIdentity struct {
	ID   string
	Name string
}

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (racerIdentity, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (racerIdentity, error) {
	return racerIdentity{}, nil
}

type hmacWebsocketAuthenticator struct {
	keyring *auth.Keyring
}

func newHMACWebsocketAuthenticator(secret string) (websocketAuthenticator, error) {
	keyring, err := auth.NewKeyring(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacWebsocketAuthenticator{keyring: keyring}, nil
}

// Authenticate validates the racer token; its subject becomes the racer ID.
func (a *hmacWebsocketAuthenticator) Authenticate(r *http.Request) (racerIdentity, error) {
	if a == nil || a.keyring == nil {
		return racerIdentity{}, auth.ErrNoSecret
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return racerIdentity{}, errMissingToken
	}
	claims, err := a.keyring.Verify(token)
	if err != nil {
		return racerIdentity{}, err
	}
	return racerIdentity{ID: claims.Subject, Name: claims.Name}, nil
}

// WithWebsocketAuthenticator wires a custom authenticator into the server.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) ServerOption {
	return func(s *Server) {
		if s == nil || authenticator == nil {
			return
		}
		s.authenticator = authenticator
	}
}
