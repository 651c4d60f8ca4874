package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var ErrUnauthenticated = errors.New("not authenticated")

// User is the identity the session is acting as.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// Identity is the contract the chat services consume.
type Identity interface {
	CurrentUser(ctx context.Context) (User, error)
	SignOut(ctx context.Context) error
}

// TokenSession holds the id token issued by the identity provider. When a
// secret is configured the token signature is verified (self-hosted mode);
// otherwise the token is only decoded, the managed backend verifies it on
// every call.
type TokenSession struct {
	mu     sync.RWMutex
	token  string
	secret []byte
	now    func() time.Time
}

func NewTokenSession(token string, secret string) *TokenSession {
	s := &TokenSession{token: token, now: time.Now}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Token returns the raw id token for the Authorization header.
func (s *TokenSession) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrUnauthenticated
	}
	return s.token, nil
}

func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *TokenSession) CurrentUser(ctx context.Context) (User, error) {
	token, err := s.Token()
	if err != nil {
		return User{}, err
	}
	claims, err := s.parse(token)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !claims.VerifyExpiresAt(s.now().Unix(), false) {
		return User{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}

	user := User{
		ID:       claimString(claims, "sub"),
		Email:    claimString(claims, "email"),
		Username: claimString(claims, "cognito:username"),
	}
	if user.ID == "" {
		user.ID = claimString(claims, "userId")
	}
	if user.ID == "" {
		return User{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return user, nil
}

func (s *TokenSession) SignOut(ctx context.Context) error {
	s.SetToken("")
	return nil
}

func (s *TokenSession) parse(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if s.secret == nil {
		if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// GenerateToken issues an HS256 id token for the self-hosted backend.
func GenerateToken(user User, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":              user.ID,
		"email":            user.Email,
		"cognito:username": user.Username,
		"iat":              now.Unix(),
		"exp":              now.Add(ttl).Unix(),
	})

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
