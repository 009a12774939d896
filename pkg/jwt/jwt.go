package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the audience the backend stamps on API access tokens
const Audience = "secureconnect-api"

// Claims represents JWT claims structure
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
	Role     string    `json:"role"` // user, admin
	jwt.RegisteredClaims
}

// Identity is the authenticated user the agent acts for
type Identity struct {
	UserID    uuid.UUID
	Username  string
	Token     string
	ExpiresAt time.Time
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secretKey           string
	accessTokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager. An empty secret disables signature checks.
func NewJWTManager(secretKey string, accessTokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:           secretKey,
		accessTokenDuration: accessTokenDuration,
	}
}

// Verifies reports whether tokens are checked against a secret
func (m *JWTManager) Verifies() bool {
	return m.secretKey != ""
}

// GenerateAccessToken creates a new access token
func (m *JWTManager) GenerateAccessToken(userID uuid.UUID, email, username, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Email:    email,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "secureconnect-auth",
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{Audience},
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates and parses JWT token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithAudience(Audience))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// Identify resolves the agent identity from its session token. Without a
// secret the claims are read unverified; the backend still authenticates
// every signaling connection made with the token.
func (m *JWTManager) Identify(tokenString string) (*Identity, error) {
	var claims *Claims
	if m.Verifies() {
		validated, err := m.ValidateToken(tokenString)
		if err != nil {
			return nil, err
		}
		claims = validated
	} else {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
		parsed, ok := token.Claims.(*Claims)
		if !ok {
			return nil, fmt.Errorf("invalid claims")
		}
		claims = parsed
	}

	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token has no user_id claim")
	}

	identity := &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Token:    tokenString,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// IsTokenExpired checks if token is expired (without validation)
func IsTokenExpired(tokenString string) bool {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return true
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil {
		return true
	}

	return claims.ExpiresAt.Before(time.Now())
}
