package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key")

func TestGenerateValidateRoundTrip(t *testing.T) {
	opts := DefaultOptions(testSecret)
	id := Identity{ID: 42, UUID: "u-42", Email: "x@example.com", Name: "X"}

	token, expireAt, err := Generate(opts, id)
	require.NoError(t, err)
	assert.True(t, expireAt.After(time.Now()))

	got, err := Validate(opts, token)
	require.NoError(t, err)
	assert.Equal(t, id, *got)
}

func TestValidateWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions(testSecret), Identity{ID: 1})
	require.NoError(t, err)

	_, err = Validate(DefaultOptions([]byte("another-key")), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	claims := sessionClaims{
		Data: Identity{ID: 1},
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  jwtlib.NewNumericDate(past),
			ExpiresAt: jwtlib.NewNumericDate(past.Add(time.Minute)),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = Validate(DefaultOptions(testSecret), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateGarbage(t *testing.T) {
	_, err := Validate(DefaultOptions(testSecret), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateNoIdentity(t *testing.T) {
	token, _, err := Generate(DefaultOptions(testSecret), Identity{})
	require.NoError(t, err)

	_, err = Validate(DefaultOptions(testSecret), token)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestAlgVariants(t *testing.T) {
	for _, alg := range []string{"HS256", "HS384", "HS512", "hs256"} {
		opts := DefaultOptions(testSecret)
		opts.Alg = alg
		token, _, err := Generate(opts, Identity{ID: 7})
		require.NoError(t, err, alg)

		got, err := Validate(opts, token)
		require.NoError(t, err, alg)
		assert.EqualValues(t, 7, got.ID)
	}

	opts := DefaultOptions(testSecret)
	opts.Alg = "RS256"
	_, _, err := Generate(opts, Identity{ID: 7})
	assert.Error(t, err)
}
