package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, claims subscriberClaims, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func validClaims() subscriberClaims {
	now := time.Now()
	return subscriberClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "walpipe-control",
			Audience:  []string{"walpipe"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Roles: []string{"staff", "clinic:c_1:admin"},
	}
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	token := signToken(t, validClaims(), testSecret)

	identity, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", identity.Subject)
	assert.Equal(t, []string{"staff", "clinic:c_1:admin"}, identity.Roles)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := v.Validate(signToken(t, claims, testSecret))
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	claims := validClaims()
	claims.Issuer = "someone-else"

	_, err := v.Validate(signToken(t, claims, testSecret))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	claims := validClaims()
	claims.Audience = []string{"other-system"}

	_, err := v.Validate(signToken(t, claims, testSecret))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	token := signToken(t, validClaims(), []byte("other-secret"))

	_, err := v.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongAlgorithm(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")

	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsMissingSubject(t *testing.T) {
	v := NewValidator(testSecret, "walpipe-control", "walpipe")
	claims := validClaims()
	claims.Subject = ""

	_, err := v.Validate(signToken(t, claims, testSecret))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRequiresSecret(t *testing.T) {
	v := NewValidator(nil, "walpipe-control", "walpipe")
	_, err := v.Validate("whatever")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
