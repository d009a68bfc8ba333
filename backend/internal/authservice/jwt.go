package authservice

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("WRONG_TOKEN_TYPE")

type Claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer 签发和校验 HS256 token。账号体系在外部，这里只认 token
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner secret 为空时读 JWT_SECRET，再没有就用开发用的默认值
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) sign(userID, username, typ string, ttl time.Duration) (string, time.Time, error) {
	exp := s.now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func (s *Signer) SignAccessToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeAccess, ttl)
}

func (s *Signer) SignRefreshToken(userID, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TypeRefresh, ttl)
}

// ParseToken 解析任意 token（访问/刷新），返回 Claims
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// ParseAccessToken 只接受 access token
func (s *Signer) ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
