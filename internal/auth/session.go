// Package auth resolves which session a request acts on.
//
// With a JWT secret configured every request must carry a bearer token and the
// token subject is the session. Without one the session comes from the
// X-Session-ID header or the sam_session cookie, and may be absent.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionHeader carries an explicit session id.
	SessionHeader = "X-Session-ID"
	// SessionCookie carries the session id minted on upload.
	SessionCookie = "sam_session"
)

type contextKey string

const sessionIDKey contextKey = "sessionID"

// GetSessionID retrieves the session resolved by SessionMiddleware.
func GetSessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(sessionIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithSessionID stores id on the request context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionFromContext returns the gin request's session id, if any.
func SessionFromContext(c *gin.Context) (string, bool) {
	return GetSessionID(c.Request.Context())
}

// EnsureSession returns the request's session, minting a new one and setting
// the cookie when there is none.
func EnsureSession(c *gin.Context) string {
	if id, ok := SessionFromContext(c); ok {
		return id
	}
	id := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, id, 0, "/", "", false, true)
	c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), id))
	return id
}

// SessionMiddleware resolves the session of every request. A non-empty secret
// turns on bearer token validation.
func SessionMiddleware(secret, audience string) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	audience = strings.TrimSpace(audience)

	return func(c *gin.Context) {
		var sessionID string
		if secret != "" {
			subject, err := subjectFromToken(c.Request.Header.Get("Authorization"), secret, audience)
			if err != nil {
				unauthorized(c, err.Error())
				return
			}
			sessionID = subject
		} else {
			sessionID = strings.TrimSpace(c.GetHeader(SessionHeader))
			if sessionID == "" {
				if cookie, err := c.Cookie(SessionCookie); err == nil {
					sessionID = strings.TrimSpace(cookie)
				}
			}
		}

		if sessionID != "" {
			c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
			c.Set(string(sessionIDKey), sessionID)
		}
		c.Next()
	}
}

func subjectFromToken(header, secret, audience string) (string, error) {
	tokenString, err := extractBearerToken(header)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	if audience != "" && !containsAudience(claims.Audience, audience) {
		return "", errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
