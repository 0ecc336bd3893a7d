package models

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rohanthewiz/serr"
)

// JWT configuration constants
const (
	// TokenIssuer identifies the hub that issued the token
	TokenIssuer = "notesync"

	// MinSecretLength is the minimum acceptable length for the signing secret
	MinSecretLength = 32
)

// TokenClaims carries the user identity the sync endpoints act for.
// Session issuance lives outside this module; the hub only validates.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// TokenAuthority signs and validates bearer tokens with one HMAC secret.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuthority checks the secret and returns an authority issuing
// tokens valid for ttl.
func NewTokenAuthority(secret string, ttl time.Duration) (*TokenAuthority, error) {
	if len(secret) < MinSecretLength {
		return nil, serr.New("JWT secret must be at least 32 characters")
	}
	if ttl <= 0 {
		return nil, serr.New("token ttl must be positive")
	}
	return &TokenAuthority{secret: []byte(secret), ttl: ttl}, nil
}

// GenerateToken creates a signed token for userID.
func (a *TokenAuthority) GenerateToken(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", serr.New("user id is required")
	}

	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: userID,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", serr.Wrap(err, "failed to sign token")
	}
	return tokenString, nil
}

// ValidateToken parses tokenString and returns its claims if the signature,
// issuer and validity window check out.
func (a *TokenAuthority) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, serr.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(TokenIssuer))
	if err != nil {
		return nil, serr.Wrap(err, "failed to parse token")
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, serr.New("invalid token claims")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns empty string when the header is not a bearer credential.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
