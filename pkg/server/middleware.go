package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/metropolis/pkg/logging"
)

// ClaimsKey is the request value under which JWT validates claims.
const ClaimsKey = "claims"

// JWTConfig configures bearer token authentication.
type JWTConfig struct {
	// Secret is the HS256 signing key.
	Secret string
	// Issuer requires a matching iss claim when set.
	Issuer string
	// Leeway allows clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWT rejects requests without a valid HS256 bearer token and stores the
// token claims under ClaimsKey.
func JWT(cfg JWTConfig) Middleware {
	if cfg.Secret == "" {
		panic("JWT: Secret must be provided")
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}

	unauthorized := func(ctx *RequestContext) error {
		ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="metropolis", error="invalid_token"`)
		return ctx.Fail(fasthttp.StatusUnauthorized, "unauthorized", "invalid or missing token")
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *RequestContext) error {
			header := string(ctx.Request.Header.Peek("Authorization"))
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" || raw == "" {
				return unauthorized(ctx)
			}
			token, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, keyFunc, options...)
			if err != nil || !token.Valid {
				return unauthorized(ctx)
			}
			ctx.Set(ClaimsKey, token.Claims)
			return next(ctx)
		}
	}
}

// Subject returns the sub claim of an authenticated request.
func Subject(ctx *RequestContext) string {
	claims, ok := ctx.Get(ClaimsKey).(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// Recovery turns handler panics into 500 responses.
func Recovery(logger logging.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *RequestContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(map[string]interface{}{
						"request_id": ctx.RequestID(),
						"method":     string(ctx.Method()),
						"path":       string(ctx.Path()),
					}).Errorf("panic recovered: %v", r)
					err = ctx.Fail(fasthttp.StatusInternalServerError, "internal_server_error", "Internal Server Error")
				}
			}()
			return next(ctx)
		}
	}
}
