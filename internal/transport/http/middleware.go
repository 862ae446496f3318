package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/auth"
	"github.com/vovakirdan/relaychat-server/internal/core"
)

const (
	// ContextKeyUserID is the context key for storing user ID.
	ContextKeyUserID = "user_id"
	// ContextKeyUsername is the context key for storing username.
	ContextKeyUsername = "username"
)

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware creates a middleware that validates JWT tokens.
func AuthMiddleware(authService *auth.Service, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Debug().Msg("missing authorization header")
			abortWith(c, core.ErrCodeUnauthorized, "missing authorization header")
			return
		}

		token, ok := bearerToken(authHeader)
		if !ok {
			logger.Debug().Msg("invalid authorization header format")
			abortWith(c, core.ErrCodeUnauthorized, "invalid authorization header format")
			return
		}

		identity, err := authService.Authenticate(c.Request.Context(), token)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid token")
			abortWith(c, core.ErrCodeUnauthorized, "invalid token")
			return
		}

		c.Set(ContextKeyUserID, identity.UserID)
		c.Set(ContextKeyUsername, identity.Username)

		c.Next()
	}
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

// currentUserID returns the authenticated user or writes 401.
func currentUserID(c *gin.Context) (int64, bool) {
	uid := c.GetInt64(ContextKeyUserID)
	if uid <= 0 {
		abortWith(c, core.ErrCodeUnauthorized, "unauthorized")
		return 0, false
	}
	return uid, true
}

// idParam parses a positive integer path parameter or writes 400.
func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// ErrorResponse is the body of every failed REST request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func abortWith(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(statusFromCode(code), ErrorResponse{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	abortWith(c, core.ErrCodeValidationFailed, msg)
}

// respondError writes err using the engine error taxonomy.
func respondError(c *gin.Context, logger *zerolog.Logger, err error) {
	perr := protoError(err)
	status := statusFromCode(perr.Code)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, ErrorResponse{Error: perr.Msg, Code: perr.Code})
}

var _ core.Authenticator = (*auth.Service)(nil)
