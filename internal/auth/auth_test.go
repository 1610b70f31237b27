package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tradesight_go_backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = "tradesight-test"

type certServer struct {
	key     *rsa.PrivateKey
	fetches atomic.Int32
	url     string
}

func newCertServer(t *testing.T) *certServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securetoken"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	cs := &certServer{key: key}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.fetches.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(map[string]string{"kid-1": string(certPEM)})
	}))
	t.Cleanup(server.Close)
	cs.url = server.URL
	return cs
}

func (cs *certServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(cs.key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            "https://securetoken.google.com/" + testProject,
		"aud":            testProject,
		"sub":            "firebase-uid-1",
		"email":          "trader@example.com",
		"email_verified": true,
		"name":           "Trader",
		"iat":            now.Add(-time.Minute).Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func TestVerifyIDToken(t *testing.T) {
	cs := newCertServer(t)
	verifier := NewFirebaseVerifier(testProject, cs.url)

	claims, err := verifier.VerifyIDToken(context.Background(), cs.sign(t, "kid-1", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "firebase-uid-1", claims.UID)
	assert.Equal(t, "trader@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)

	_, err = verifier.VerifyIDToken(context.Background(), cs.sign(t, "kid-1", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, int32(1), cs.fetches.Load(), "certificates are cached for max-age")
}

func TestVerifyIDTokenRejects(t *testing.T) {
	cs := newCertServer(t)
	verifier := NewFirebaseVerifier(testProject, cs.url)

	cases := map[string]func(jwt.MapClaims){
		"expired":        func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Minute).Unix() },
		"wrong audience": func(c jwt.MapClaims) { c["aud"] = "other-project" },
		"wrong issuer":   func(c jwt.MapClaims) { c["iss"] = "https://accounts.example.com" },
		"no subject":     func(c jwt.MapClaims) { delete(c, "sub") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := validClaims()
			mutate(claims)
			_, err := verifier.VerifyIDToken(context.Background(), cs.sign(t, "kid-1", claims))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := verifier.VerifyIDToken(context.Background(), cs.sign(t, "unknown-kid", validClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = verifier.VerifyIDToken(context.Background(), hmacToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	_, err := BearerToken(req, false)
	assert.ErrorIs(t, err, ErrMissingToken)

	token, err := BearerToken(req, true)
	require.NoError(t, err)
	assert.Equal(t, "from-query", token)

	req.Header.Set("Authorization", "Bearer from-header")
	token, err = BearerToken(req, true)
	require.NoError(t, err)
	assert.Equal(t, "from-header", token)

	req.Header.Set("Authorization", "Basic abc def")
	_, err = BearerToken(req, true)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type stubVerifier struct{}

func (stubVerifier) VerifyIDToken(_ context.Context, token string) (*Claims, error) {
	if token != "good" {
		return nil, ErrInvalidToken
	}
	return &Claims{UID: "uid-1", Email: "trader@example.com"}, nil
}

type stubUsers struct {
	err error
}

func (s stubUsers) GetOrCreateUser(_ context.Context, firebaseUID, email, name string) (*models.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.User{ID: uuid.New(), FirebaseUID: firebaseUID, Email: email, Name: name}, nil
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(users UserResolver) *gin.Engine {
		r := gin.New()
		r.GET("/me", AuthMiddleware(stubVerifier{}, users, false), func(c *gin.Context) {
			user, ok := CurrentUser(c)
			require.True(t, ok)
			c.JSON(http.StatusOK, gin.H{"uid": user.FirebaseUID})
		})
		return r
	}

	cases := []struct {
		name   string
		header string
		users  UserResolver
		status int
	}{
		{"valid token", "Bearer good", stubUsers{}, http.StatusOK},
		{"missing header", "", stubUsers{}, http.StatusUnauthorized},
		{"bad token", "Bearer bad", stubUsers{}, http.StatusUnauthorized},
		{"user store failure", "Bearer good", stubUsers{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			newRouter(tc.users).ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}
