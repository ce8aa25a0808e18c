package middleware

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/licensing-go-api/internal/tokens"
	"github.com/noah-isme/licensing-go-api/internal/utils"
)

const claimsLocalKey = "token_claims"

// TokenAuthConfig selects the claims a route requires and, optionally, the
// request body field whose hash must be signed into the token.
type TokenAuthConfig struct {
	Verifier *tokens.Verifier
	Required []string
	HashKey  string
	Logger   zerolog.Logger
}

// TokenAuth validates the bearer token and stores its claims on the request.
func TokenAuth(cfg TokenAuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return unauthorized(c, cfg.Logger, err)
		}

		claims, err := cfg.Verifier.Verify(raw, cfg.Required...)
		if err != nil {
			return unauthorized(c, cfg.Logger, err)
		}

		if cfg.HashKey != "" {
			if err := tokens.VerifyPayloadHash(claims, cfg.HashKey, bodyField(c.Body(), cfg.HashKey)); err != nil {
				return unauthorized(c, cfg.Logger, err)
			}
		}

		c.Locals(claimsLocalKey, claims)
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			c.Locals("user_id", sub)
		}
		return c.Next()
	}
}

// Claims returns the verified token claims bound to the request.
func Claims(c *fiber.Ctx) jwt.MapClaims {
	claims, _ := c.Locals(claimsLocalKey).(jwt.MapClaims)
	if claims == nil {
		return jwt.MapClaims{}
	}
	return claims
}

var (
	errMissingAuthorization = errors.New("invalid or missing authorization header")
	errInvalidScheme        = errors.New("invalid authorization scheme")
)

func bearerToken(header string) (string, error) {
	scheme, credentials, found := strings.Cut(strings.TrimSpace(header), " ")
	credentials = strings.TrimSpace(credentials)
	if !found || scheme == "" || credentials == "" {
		return "", errMissingAuthorization
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", errInvalidScheme
	}
	return credentials, nil
}

func bodyField(body []byte, key string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil
	}
	return fields[key]
}

func unauthorized(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	logger.Warn().
		Err(err).
		Str("correlation_id", GetCorrelationID(c)).
		Str("route", routeTemplate(c)).
		Msg("request token rejected")

	message := err.Error()
	if message != "" {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return utils.SendError(c, fiber.StatusUnauthorized, message)
}
