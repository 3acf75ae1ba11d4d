package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService issues and verifies HMAC-signed bearer tokens carrying a
// user_id claim.
type TokenService struct {
	secretKey []byte
	expiresIn time.Duration
}

// NewTokenService creates a token service. A non-positive ttl defaults to
// one day.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secretKey: []byte(secret),
		expiresIn: ttl,
	}
}

// RoleAdmin is the role claim that grants access to rule administration.
const RoleAdmin = "admin"

// IssueToken signs a token for the user.
func (s *TokenService) IssueToken(userID string) (string, error) {
	return s.issue(jwt.MapClaims{"user_id": userID})
}

// IssueAdminToken signs a token carrying the admin role.
func (s *TokenService) IssueAdminToken(subject string) (string, error) {
	return s.issue(jwt.MapClaims{"user_id": subject, "role": RoleAdmin})
}

func (s *TokenService) issue(claims jwt.MapClaims) (string, error) {
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(s.expiresIn).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

func (s *TokenService) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// IsAdmin reports whether the token is valid and carries the admin role.
func (s *TokenService) IsAdmin(tokenStr string) bool {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return false
	}
	role, _ := claims["role"].(string)
	return role == RoleAdmin
}

// ParseToken verifies a token and returns its user_id claim. Numeric ids
// are accepted and rendered in decimal.
func (s *TokenService) ParseToken(tokenStr string) (string, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return "", err
	}

	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		if v > 0 {
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	return "", errors.New("invalid user_id claim")
}

// UserMiddleware identifies the caller. With a token service it requires a
// valid bearer token; without one it trusts the X-User-ID header set by an
// authenticating gateway.
func UserMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string

			if tokens != nil {
				raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ok || raw == "" {
					writeJSON(w, http.StatusUnauthorized, map[string]string{
						"error": "bearer token is required",
					})
					return
				}

				id, err := tokens.ParseToken(raw)
				if err != nil {
					slog.Debug("rejected bearer token", "error", err)
					writeJSON(w, http.StatusUnauthorized, map[string]string{
						"error": "invalid token",
					})
					return
				}
				userID = id
			} else {
				userID = strings.TrimSpace(r.Header.Get(UserIDHeader))
				if userID == "" {
					writeJSON(w, http.StatusUnauthorized, map[string]string{
						"error": "X-User-ID header is required",
					})
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
		})
	}
}

// AdminMiddleware guards rule administration. A request passes with an
// X-Admin-Token equal to adminToken, or with a bearer token carrying the
// admin role when a token service is configured. Everything else is
// refused with 403; with neither configured the routes are closed.
func AdminMiddleware(adminToken string, tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken != "" {
				given := r.Header.Get(AdminTokenHeader)
				if subtle.ConstantTimeCompare([]byte(given), []byte(adminToken)) == 1 {
					next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), RoleAdmin)))
					return
				}
			}

			if tokens != nil {
				raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if ok && tokens.IsAdmin(raw) {
					next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), RoleAdmin)))
					return
				}
			}

			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "admin access required",
			})
		})
	}
}
