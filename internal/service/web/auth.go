package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errEmptySecret = errors.New("jwt secret is empty")

// tokenIssuer 签发并校验 HS256 访问令牌
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &tokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *tokenIssuer) Issue(subject string) (string, error) {
	if len(t.secret) == 0 {
		return "", errEmptySecret
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify 返回令牌的 subject
func (t *tokenIssuer) Verify(raw string) (string, error) {
	if len(t.secret) == 0 {
		return "", errEmptySecret
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// checkCredentials 以常量时间比较用户名和密码
func checkCredentials(user, pass, wantUser, wantPass string) bool {
	if wantUser == "" || wantPass == "" {
		return false
	}
	u := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass))
	return u&p == 1
}

// tokenAuthMiddleware 要求 Authorization 头携带有效令牌。
// 头的值就是令牌本身，不带 "Bearer " 前缀。
func tokenAuthMiddleware(next http.Handler, tokens *tokenIssuer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			writeMsg(w, http.StatusUnauthorized, "Missing Authorization Header")
			return
		}
		if _, err := tokens.Verify(raw); err != nil {
			writeMsg(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}
