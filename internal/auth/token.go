// Package auth inspects the service token used to reach the managed
// replica. The bridge holds no signing key, so tokens are parsed without
// verification: the replica rejects bad tokens on its own, the bridge only
// wants to warn operators before an expiry turns into silent offline mode.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// TokenExpiry returns the expiry time embedded in the replica service
// token. A token without an exp claim returns the zero time and no error.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse replica token: %w", err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// CheckToken logs the state of the replica service token: expired, expiring
// within warnWithin, or fine. Returns false when the token is already
// expired.
func CheckToken(logger *logrus.Logger, token string, warnWithin time.Duration) bool {
	entry := logger.WithField("component", "auth")

	expiry, err := TokenExpiry(token)
	if err != nil {
		entry.WithError(err).Warn("Replica token is not a parseable JWT, proceeding anyway")
		return true
	}
	if expiry.IsZero() {
		return true
	}

	now := time.Now()
	switch {
	case expiry.Before(now):
		entry.WithField("expired_at", expiry).Error("Replica token has expired, remote access will fail")
		return false
	case expiry.Before(now.Add(warnWithin)):
		entry.WithField("expires_at", expiry).Warn("Replica token expires soon, rotate it")
	}
	return true
}
