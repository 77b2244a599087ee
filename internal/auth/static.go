package auth

import (
	"context"

	"github.com/pyr33x/goqtt/internal/mqtt"
)

// anonymousPrincipalID is the principal identifier returned for a CONNECT
// carrying no credentials. It must never be the empty string: the broker
// treats an empty principalID as Authenticate having yielded "no
// principal" (spec §4.1 step 1, NotAuthorized).
const anonymousPrincipalID = "anonymous"

// StaticAuthenticator is a map-backed Authenticator with no I/O: every
// entry's key is the username a client presents, and its value is the
// Principal granted. Used by tests and by an "anonymous broker"
// deployment mode, since spec §4.1 allows authenticate to "yield no
// principal" without that being a service failure.
type StaticAuthenticator struct {
	Principals map[string]mqtt.Principal
}

// NewStatic wraps principals as an Authenticator.
func NewStatic(principals map[string]mqtt.Principal) *StaticAuthenticator {
	return &StaticAuthenticator{Principals: principals}
}

// Anonymous returns a StaticAuthenticator granting quota to any client
// that presents no credentials at all — the simplest possible broker
// configuration, used by tests that don't care about authentication.
func Anonymous(quota mqtt.Quota) *StaticAuthenticator {
	return NewStatic(map[string]mqtt.Principal{
		anonymousPrincipalID: {Username: anonymousPrincipalID, Quota: quota},
	})
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, req mqtt.ConnectionRequest) (string, error) {
	username := anonymousPrincipalID
	if req.Credentials != nil {
		username = req.Credentials.Username
	}
	if _, ok := a.Principals[username]; !ok {
		return "", nil
	}
	return username, nil
}

func (a *StaticAuthenticator) GetPrincipal(ctx context.Context, principalID string) (*mqtt.Principal, bool, error) {
	p, ok := a.Principals[principalID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}
