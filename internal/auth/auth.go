package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradesight_go_backend/internal/models"

	"github.com/golang-jwt/jwt"
)

const GoogleCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

var (
	ErrMissingToken = errors.New("authorization token is required")
	ErrInvalidToken = errors.New("invalid token")
	maxAgePattern   = regexp.MustCompile(`max-age=(\d+)`)
)

// Claims are the Firebase ID token fields the API relies on.
type Claims struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string
}

type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (*Claims, error)
}

type UserResolver interface {
	GetOrCreateUser(ctx context.Context, firebaseUID, email, name string) (*models.User, error)
}

// FirebaseVerifier checks ID tokens against Google's rotating signing certificates.
type FirebaseVerifier struct {
	projectID  string
	certsURL   string
	httpClient *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
	now     func() time.Time
}

func NewFirebaseVerifier(projectID, certsURL string) *FirebaseVerifier {
	if certsURL == "" {
		certsURL = GoogleCertsURL
	}
	return &FirebaseVerifier{
		projectID:  projectID,
		certsURL:   certsURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyAudience(v.projectID, true) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrInvalidToken)
	}
	if !claims.VerifyIssuer("https://securetoken.google.com/"+v.projectID, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}

	uid, _ := claims["sub"].(string)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	name, _ := claims["name"].(string)
	return &Claims{UID: uid, Email: email, EmailVerified: verified, Name: name}, nil
}

func (v *FirebaseVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := v.now().Before(v.expires)
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, errors.New("unable to find appropriate key")
	}
	return key, nil
}

func (v *FirebaseVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching signing certificates: status %d", resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, cert := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			return fmt.Errorf("parsing certificate %s: %w", kid, err)
		}
		keys[kid] = key
	}

	ttl := time.Hour
	if m := maxAgePattern.FindStringSubmatch(resp.Header.Get("Cache-Control")); m != nil {
		if seconds, err := strconv.Atoi(m[1]); err == nil {
			ttl = time.Duration(seconds) * time.Second
		}
	}

	v.mu.Lock()
	v.keys = keys
	v.expires = v.now().Add(ttl)
	v.mu.Unlock()
	return nil
}

// BearerToken reads the token from the Authorization header, or from the token query
// parameter when allowQuery is set. Browsers cannot set headers on websocket upgrades.
func BearerToken(r *http.Request, allowQuery bool) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", fmt.Errorf("%w: invalid authorization header", ErrInvalidToken)
		}
		return parts[1], nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}
