package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/types"
)

const testSecret = "super-secret"

func signToken(t *testing.T, secret string, roles []string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-user",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestOpenMode(t *testing.T) {
	a := New("", "", []string{"admin"})
	require.True(t, a.Open())

	p, err := a.Authorize(types.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "open", p.Via)
}

func TestAPIKey(t *testing.T) {
	a := New("key-123", "", nil)
	require.False(t, a.Open())

	p, err := a.Authorize(types.Credentials{APIKey: "key-123"})
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Via)

	_, err = a.Authorize(types.Credentials{APIKey: "wrong"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = a.Authorize(types.Credentials{})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	a := New("", testSecret, []string{"admin", "orchestrate"})

	good := signToken(t, testSecret, []string{"Orchestrate"}, time.Now().Add(time.Hour))
	p, err := a.Authorize(types.Credentials{Bearer: good})
	require.NoError(t, err)
	assert.Equal(t, "token", p.Via)
	assert.Equal(t, "ops-user", p.Subject)

	expired := signToken(t, testSecret, []string{"admin"}, time.Now().Add(-time.Hour))
	_, err = a.Authorize(types.Credentials{Bearer: expired})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	wrongKey := signToken(t, "other-secret", []string{"admin"}, time.Now().Add(time.Hour))
	_, err = a.Authorize(types.Credentials{Bearer: wrongKey})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	noRole := signToken(t, testSecret, []string{"viewer"}, time.Now().Add(time.Hour))
	_, err = a.Authorize(types.Credentials{Bearer: noRole})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestWrongAPIKeyFallsThroughToBearer(t *testing.T) {
	a := New("key-123", testSecret, []string{"admin"})

	good := signToken(t, testSecret, []string{"admin"}, time.Now().Add(time.Hour))

	// A valid token rescues a request carrying a wrong API key.
	p, err := a.Authorize(types.Credentials{APIKey: "wrong", Bearer: good})
	require.NoError(t, err)
	assert.Equal(t, "token", p.Via)

	// The right key wins first, without consulting the token.
	p, err = a.Authorize(types.Credentials{APIKey: "key-123", Bearer: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Via)

	// A wrong key with no token is still rejected.
	_, err = a.Authorize(types.Credentials{APIKey: "wrong"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// A wrong key with a bad token is rejected on the token.
	bad := signToken(t, "other-secret", []string{"admin"}, time.Now().Add(time.Hour))
	_, err = a.Authorize(types.Credentials{APIKey: "wrong", Bearer: bad})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// Without an API key the bearer token is consulted.
	p, err = a.Authorize(types.Credentials{Bearer: good})
	require.NoError(t, err)
	assert.Equal(t, "token", p.Via)
}

func TestRejectsNonHMACAlgorithms(t *testing.T) {
	a := New("", testSecret, []string{"admin"})

	// alg=none style tokens must never pass.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		Roles:            []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Authorize(types.Credentials{Bearer: raw})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}
