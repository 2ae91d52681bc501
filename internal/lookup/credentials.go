// Package lookup holds the read-through caches over denormalised account
// fields: credentials, privileges, country, clan tag, whitelist, friends and
// per-mode stats. A Registry owns one instance of each and is handed to the
// scoring service; there are no package-level caches.
package lookup

import (
	"context"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/scttfrdmn/scorekeeper/internal/cache"
	"github.com/scttfrdmn/scorekeeper/internal/metrics"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// CredentialSource loads login rows by safe username.
type CredentialSource interface {
	Credentials(ctx context.Context, safeName string) (types.Credentials, error)
}

type credential struct {
	userID      int
	fingerprint string
}

// Credentials verifies username/password-md5 pairs. A verified pair is cached
// so later checks with the same fingerprint skip bcrypt.
type Credentials struct {
	src     CredentialSource
	cache   *cache.Cache[credential]
	metrics *metrics.Metrics
}

// NewCredentials returns a credential cache over src.
func NewCredentials(src CredentialSource, cfg cache.Config, m *metrics.Metrics) *Credentials {
	return &Credentials{src: src, cache: cache.New[credential](cfg), metrics: m}
}

var errMismatch = errors.New("password mismatch")

// Check returns the user id for a matching username and password md5.
// Failures are KindAuthFailure, except store outages which are
// KindPersistenceFailure.
func (c *Credentials) Check(ctx context.Context, username, passwordMD5 string) (int, error) {
	const op = "lookup.Credentials.Check"
	safe := types.SafeName(username)

	e, hit := c.cache.Get(safe)
	c.metrics.RecordCacheLookup("credentials", hit)
	if hit && subtle.ConstantTimeCompare([]byte(e.fingerprint), []byte(passwordMD5)) == 1 {
		return e.userID, nil
	}

	creds, err := c.src.Credentials(ctx, safe)
	switch {
	case errors.Is(err, types.ErrNotFound):
		return 0, types.E(types.KindAuthFailure, op, err)
	case err != nil:
		return 0, types.E(types.KindPersistenceFailure, op, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(passwordMD5)); err != nil {
		return 0, types.E(types.KindAuthFailure, op, errMismatch)
	}

	c.cache.Put(safe, credential{userID: creds.UserID, fingerprint: passwordMD5})
	return creds.UserID, nil
}

// Forget drops the cached credential for username.
func (c *Credentials) Forget(username string) {
	c.cache.Remove(types.SafeName(username))
}
