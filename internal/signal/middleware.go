package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/turnrelay/internal/auth"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// identity is who opened a session.
type identity struct {
	subject string
	role    string
}

var (
	errBadAuthHeader = errors.New("invalid authorization header format")
	errMissingToken  = errors.New("missing token")
	errInvalidToken  = errors.New("invalid token")
)

// authenticate validates the access token when cfg has a secret. Without one every caller
// is treated as a host. Browsers cannot set headers on websocket upgrades, so the token may
// also come from the token query parameter. It works on the raw request because the
// upgrade must not pass through gin's response writer.
func authenticate(cfg *auth.JWTConfig, r *http.Request) (identity, error) {
	if !cfg.Enabled() {
		return identity{subject: "anonymous", role: auth.RoleHost}, nil
	}

	token := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return identity{}, errBadAuthHeader
		}
		token = parts[1]
	}
	if token == "" {
		return identity{}, errMissingToken
	}

	claims, err := auth.ValidateToken(cfg, token)
	if err != nil {
		return identity{}, errInvalidToken
	}
	return identity{subject: claims.Subject, role: claims.Role}, nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
