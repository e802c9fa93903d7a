package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Identity is the subject a token is issued for.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Claims is the signed payload carried by both token kinds. The Admin flag is
// authoritative only for the token's own lifetime; admin routes re-check the
// account before trusting it.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Admin     bool   `json:"adm,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies the access/refresh token pair. It is purely
// computational and safe for unlimited concurrent use.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(secret string, accessTTL, refreshTTL time.Duration) *TokenService {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// SignAccess issues a short-lived access token for the identity.
func (s *TokenService) SignAccess(identity Identity) (string, error) {
	return s.sign(identity, tokenTypeAccess, s.accessTTL)
}

// SignRefresh issues a long-lived refresh token for the identity.
func (s *TokenService) SignRefresh(identity Identity) (string, error) {
	return s.sign(identity, tokenTypeRefresh, s.refreshTTL)
}

func (s *TokenService) sign(identity Identity, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email:     identity.Email,
		Admin:     identity.Admin,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyAccess validates an access token. Malformed, mis-signed, expired, or
// wrong-type tokens all yield nil; verification never fails outward in a way a
// caller could mistake for success.
func (s *TokenService) VerifyAccess(token string) *Claims {
	return s.verify(token, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token with the same nil-on-failure contract.
func (s *TokenService) VerifyRefresh(token string) *Claims {
	return s.verify(token, tokenTypeRefresh)
}

func (s *TokenService) verify(token, wantType string) *Claims {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil
	}
	if claims.TokenType != wantType {
		return nil
	}

	return claims
}

// IsExpired reports whether a token's exp claim has passed, without verifying
// the signature. Used by the session monitor to classify stored credentials;
// never a substitute for VerifyAccess.
func (s *TokenService) IsExpired(token string) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}

	return time.Now().UTC().After(claims.ExpiresAt.Time)
}

// FromRequest extracts the bearer token from the Authorization header.
// Returns "" for a missing header or one not prefixed "Bearer ", and exactly
// the substring after "Bearer " otherwise.
func FromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return token
}
