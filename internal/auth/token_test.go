package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("replica-secret"))
	require.NoError(t, err)
	return signed
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestTokenExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, jwt.MapClaims{"exp": expiry.Unix(), "sub": "bridge"})

	got, err := TokenExpiry(token)
	require.NoError(t, err)
	assert.True(t, got.Equal(expiry))
}

func TestTokenExpiryWithoutExpClaim(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "bridge"})

	got, err := TokenExpiry(token)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestTokenExpiryRejectsGarbage(t *testing.T) {
	_, err := TokenExpiry("not-a-jwt")
	assert.Error(t, err)
}

func TestCheckToken(t *testing.T) {
	valid := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(30 * 24 * time.Hour).Unix()})
	assert.True(t, CheckToken(testLogger(), valid, 7*24*time.Hour))

	expiringSoon := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	assert.True(t, CheckToken(testLogger(), expiringSoon, 7*24*time.Hour))

	expired := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
	assert.False(t, CheckToken(testLogger(), expired, 7*24*time.Hour))

	// Opaque non-JWT tokens pass through with a warning only.
	assert.True(t, CheckToken(testLogger(), "opaque-service-token", 7*24*time.Hour))
}
