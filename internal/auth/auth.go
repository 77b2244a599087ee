// Package auth supplies the broker's Authenticator implementations: a
// sqlite-backed one for real deployments and a map-backed one for tests
// and anonymous-broker deployments.
package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt/internal/mqtt"
	"github.com/pyr33x/goqtt/pkg/er"
	h "github.com/pyr33x/goqtt/pkg/hash"
)

// SQLiteAuthenticator authenticates CONNECT requests against a sqlite
// users table (secret is a bcrypt hash), generalizing the teacher's
// internal/auth.Store into the broker.Authenticator interface.
type SQLiteAuthenticator struct {
	db           *sql.DB
	defaultQuota mqtt.Quota
}

// NewSQLite wraps db as an Authenticator. defaultQuota is granted to every
// authenticated principal; the teacher's users table carries no
// per-principal quota or topic-permission columns, so those are not
// resolved from storage (see DESIGN.md).
func NewSQLite(db *sql.DB, defaultQuota mqtt.Quota) *SQLiteAuthenticator {
	return &SQLiteAuthenticator{db: db, defaultQuota: defaultQuota}
}

// Authenticate looks up req.Credentials.Username and verifies the
// password against its stored bcrypt hash. A missing user or a bad
// password both yield "no principal" (principalID == "", err == nil) —
// spec §4.1 treats both the same way, as NotAuthorized, never as an
// AuthServiceFailure. Only a genuine storage error is AuthServiceFailure.
func (a *SQLiteAuthenticator) Authenticate(ctx context.Context, req mqtt.ConnectionRequest) (string, error) {
	if req.Credentials == nil {
		return "", nil
	}

	var hash string
	err := a.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", req.Credentials.Username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, req.Credentials.Password) {
		return "", nil
	}
	return req.Credentials.Username, nil
}

// GetPrincipal resolves principalID (a username Authenticate returned) to
// a Principal carrying the authenticator's default quota and
// unrestricted permission sets — nil FilterSets, which mqtt.Permits
// treats as "permit everything".
func (a *SQLiteAuthenticator) GetPrincipal(ctx context.Context, principalID string) (*mqtt.Principal, bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)", principalID).Scan(&exists)
	if err != nil {
		return nil, false, &er.Err{Context: "Auth", Message: err}
	}
	if !exists {
		return nil, false, nil
	}
	return &mqtt.Principal{Username: principalID, Quota: a.defaultQuota}, true, nil
}
