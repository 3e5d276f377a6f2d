package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims domain.CustomClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestMiddlewareAndScopes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewRSAValidator(&key.PublicKey)

	var seenOperator int64
	h := NewMiddleware(v, zap.NewNop())(RequireScope("approvals")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOperator = OperatorID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	do := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	approver := signToken(t, key, domain.CustomClaims{
		UserID:           "77",
		Scopes:           map[string]bool{"approvals": true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp, Issuer: Issuer},
	})
	viewer := signToken(t, key, domain.CustomClaims{
		UserID:           "5",
		Scopes:           map[string]bool{"read": true},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp, Issuer: Issuer},
	})

	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusUnauthorized, do("Bearer garbage"))
	assert.Equal(t, http.StatusForbidden, do("Bearer "+viewer))
	assert.Equal(t, http.StatusNoContent, do("Bearer "+approver))
	assert.Equal(t, int64(77), seenOperator)
}

func TestVerifyTokenRejectsForeignIssuerAndExpired(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewRSAValidator(&key.PublicKey)

	foreign := signToken(t, key, domain.CustomClaims{
		UserID:           "1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)), Issuer: "someone-else"},
	})
	_, err = v.VerifyToken(foreign)
	require.Error(t, err)

	expired := signToken(t, key, domain.CustomClaims{
		UserID:           "1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)), Issuer: Issuer},
	})
	_, err = v.VerifyToken(expired)
	require.Error(t, err)

	claims, err := v.VerifyToken("Bearer " + signToken(t, key, domain.CustomClaims{
		UserID:           "9",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)), Issuer: Issuer},
	}))
	require.NoError(t, err)
	assert.Equal(t, "9", claims.UserID)
}
