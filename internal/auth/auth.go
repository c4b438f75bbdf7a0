// Package auth は接続時のトークン検証を行う
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"guardx/internal/session"
)

var (
	// ErrMissingToken はトークンが無いことを表す
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken はトークンが不正であることを表す
	ErrInvalidToken = errors.New("invalid token")
)

// RoleAdmin は管理者ロールのクレーム値
const RoleAdmin = "ADMIN"

// RoleOperator はカメラ操作者ロールのクレーム値
const RoleOperator = "OPERATOR"

// Identity は認証済みの利用者
type Identity struct {
	Subject  string
	Role     session.Role
	CameraID string
}

// Authenticator はトークンを検証する
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Claims はトークンのクレーム
type Claims struct {
	Role     string `json:"role"`
	CameraID string `json:"camera_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator はHS256署名のJWTを検証する
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator は新しいJWTAuthenticatorを作成する
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWTシークレットが空です")
	}
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}, nil
}

// Authenticate はトークンを検証し、利用者を返す
// role が ADMIN なら管理者、それ以外はカメラとして扱う
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}

	id := Identity{
		Subject:  claims.Subject,
		Role:     session.RoleProducer,
		CameraID: claims.CameraID,
	}
	if claims.Role == RoleAdmin {
		id.Role = session.RoleObserver
	}
	return id, nil
}

// Issue は署名済みトークンを発行する
func (a *JWTAuthenticator) Issue(subject, role, cameraID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role:     role,
		CameraID: cameraID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
