package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by every bearer token.
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and validates the bearer tokens used by the API and the
// websocket subscribe endpoint.
type Tokens struct {
	secretKey     []byte
	refreshSecret []byte
	issuer        string
}

func NewTokens(secretKey, refreshSecret, issuer string) *Tokens {
	return &Tokens{
		secretKey:     []byte(secretKey),
		refreshSecret: []byte(refreshSecret),
		issuer:        issuer,
	}
}

// Issue creates an access token (15 min) and a refresh token (7 days).
func (t *Tokens) Issue(userID uint, username, email, role string) (accessToken, refreshToken string, err error) {
	now := time.Now()

	accessClaims := Claims{
		UserID:   userID,
		Username: username,
		Email:    email,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   username,
		},
	}
	accessToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(t.secretKey)
	if err != nil {
		return "", "", err
	}

	refreshClaims := accessClaims
	refreshClaims.ExpiresAt = jwt.NewNumericDate(now.Add(7 * 24 * time.Hour))
	refreshToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(t.refreshSecret)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// Validate parses and verifies an access token.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	return t.parse(tokenString, t.secretKey)
}

// ValidateRefresh parses and verifies a refresh token.
func (t *Tokens) ValidateRefresh(tokenString string) (*Claims, error) {
	return t.parse(tokenString, t.refreshSecret)
}

// Refresh issues a new access token from a valid refresh token.
func (t *Tokens) Refresh(refreshToken string) (string, error) {
	claims, err := t.ValidateRefresh(refreshToken)
	if err != nil {
		return "", err
	}
	access, _, err := t.Issue(claims.UserID, claims.Username, claims.Email, claims.Role)
	return access, err
}

func (t *Tokens) parse(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
