// Package auth provides JWT Bearer token validation for the admin API and
// token minting for operators.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/cacheproxy/internal/apierror"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// Middleware returns an HTTP middleware that validates JWT Bearer tokens.
// Paths for which requiresAuth returns false (the metrics scrape endpoint)
// are passed through.
func Middleware(cfg config.AuthConfig, requiresAuth func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !requiresAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := validateToken(tokenStr, cfg)
			if err != nil {
				logger.Warn("admin auth failure", "error", err, "path", r.URL.Path, "remote", r.RemoteAddr)
				if isScopeError(err) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error())
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func validateToken(tokenStr string, cfg config.AuthConfig) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	// Audience can be a string or []interface{}
	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				claims.Audience = s
			}
		}
	}

	// Scopes are a space-separated string (OAuth2)
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	// Validate required scopes
	if len(cfg.Scopes) > 0 {
		scopeSet := make(map[string]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			scopeSet[s] = true
		}
		for _, required := range cfg.Scopes {
			if !scopeSet[required] {
				return nil, &ScopeError{MissingScope: required}
			}
		}
	}

	return claims, nil
}

// ScopeError indicates the token is valid but lacks required scopes.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

func isScopeError(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}

// ClaimsFrom returns the validated claims stored by Middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// Mint signs an HS256 token that Middleware accepts for cfg. The token
// carries cfg.Scopes and expires after ttl.
func Mint(cfg config.AuthConfig, subject string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(cfg.Scopes, " "),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
