// Package auth issues and verifies bearer tokens, hashes passwords and
// recognizes the internal service key.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/transferops/internal/domain"
)

const (
	ServiceKeyHeader = "X-Service-Key"
	issuer           = "transferops"
)

// Principal is the authenticated caller. Service callers may act on any
// account; users only on their own.
type Principal struct {
	AccountID string
	Token     string
	Service   bool
}

// CanActOn reports whether the principal may operate on accountID.
func (p Principal) CanActOn(accountID string) bool {
	return p.Service || (p.AccountID != "" && p.AccountID == accountID)
}

type Authenticator struct {
	secret     []byte
	serviceKey string
	ttl        time.Duration
	now        func() time.Time
}

func NewAuthenticator(secret, serviceKey string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), serviceKey: serviceKey, ttl: ttl, now: time.Now}
}

// Issue signs an HS256 token whose subject is accountID.
func (a *Authenticator) Issue(accountID string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify returns the account id carried by token.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", domain.Errorf(domain.CodeUnauthorized, "invalid or expired token")
	}
	if claims.Issuer != issuer {
		return "", domain.Errorf(domain.CodeUnauthorized, "invalid token issuer")
	}
	return claims.Subject, nil
}

// IsService reports whether key is the configured service key.
func (a *Authenticator) IsService(key string) bool {
	if a.serviceKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.serviceKey), []byte(key)) == 1
}

// Authenticate reads the service key and the bearer token from r. A request
// may carry both: the saga forwards the user's token next to its own key.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	var p Principal
	p.Service = a.IsService(r.Header.Get(ServiceKeyHeader))

	if token, ok := bearer(r.Header.Get("Authorization")); ok {
		accountID, err := a.Verify(token)
		if err != nil && !p.Service {
			return Principal{}, err
		}
		p.AccountID = accountID
		p.Token = token
	}
	if !p.Service && p.AccountID == "" {
		return Principal{}, domain.Errorf(domain.CodeUnauthorized, "missing credentials")
	}
	return p, nil
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
