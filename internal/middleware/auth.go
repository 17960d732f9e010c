// Package middleware provides the HTTP middleware shared by every route.
package middleware

import (
	"context"
	"errors"
	"strings"

	"plaza/internal/config"
	"plaza/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

var errInvalidToken = errors.New("invalid or expired token")

// parseToken validates tokenString and returns its subject.
func parseToken(tokenString string) (string, error) {
	if cfg == nil {
		return "", errors.New("auth middleware not initialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", errors.New("Authorization header required")
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("Invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}

func authenticate(c *fiber.Ctx, token string) error {
	userID, err := parseToken(token)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(err.Error()))
	}
	c.Locals("userID", userID)
	c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, userID))
	return c.Next()
}

// AuthRequired rejects requests without a valid Bearer token and stores the
// token subject in Locals("userID").
func AuthRequired(c *fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError(err.Error()))
	}
	return authenticate(c, token)
}

// WebSocketAuthRequired accepts the token from the "token" query parameter,
// since browsers cannot set headers on a websocket upgrade, and falls back to
// the Authorization header.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		var err error
		if token, err = bearerToken(c); err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError("Token required"))
		}
	}
	return authenticate(c, token)
}

// RoleLookup returns the role stored for userID.
type RoleLookup func(ctx context.Context, userID string) (models.Role, error)

// AdminRequired allows only users whose stored role is "admin". It must run
// after AuthRequired.
func AdminRequired(lookup RoleLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("userID").(string)
		if userID == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError("Authentication required"))
		}
		role, err := lookup(c.UserContext(), userID)
		if err != nil {
			if models.IsCode(err, models.CodeNotFound) {
				return models.RespondWithError(c, fiber.StatusForbidden, models.NewForbiddenError("Admin access required"))
			}
			return models.RespondWithError(c, fiber.StatusServiceUnavailable, err)
		}
		if role != models.RoleAdmin {
			return models.RespondWithError(c, fiber.StatusForbidden, models.NewForbiddenError("Admin access required"))
		}
		return c.Next()
	}
}
