package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/auth"
	"github.com/vovakirdan/relaychat-server/internal/core"
)

// AccountHandlers serves registration and login.
type AccountHandlers struct {
	auth *auth.Service
	log  *zerolog.Logger
}

// NewAccountHandlers creates account handlers backed by authService.
func NewAccountHandlers(authService *auth.Service, logger *zerolog.Logger) *AccountHandlers {
	return &AccountHandlers{auth: authService, log: logger}
}

// Credentials is the body of both account endpoints. Length rules live in
// the auth service so both transports report them the same way.
type Credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries a freshly issued bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// Register creates an account and returns its first token.
// POST /api/register
func (h *AccountHandlers) Register(c *gin.Context) {
	h.issue(c, http.StatusCreated, "user registered", h.auth.Register)
}

// Login exchanges credentials for a token.
// POST /api/login
func (h *AccountHandlers) Login(c *gin.Context) {
	h.issue(c, http.StatusOK, "user logged in", h.auth.Login)
}

func (h *AccountHandlers) issue(c *gin.Context, status int, event string, op func(ctx context.Context, username, password string) (string, error)) {
	var req Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Str("path", c.FullPath()).Msg("invalid credentials body")
		badRequest(c, "username and password required")
		return
	}

	token, err := op(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, h.log, accountError(err))
		return
	}

	h.log.Info().Str("username", req.Username).Msg(event)
	c.JSON(status, TokenResponse{Token: token})
}

// accountError maps auth failures onto the shared error codes.
func accountError(err error) error {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return &core.CoreError{Code: errCodeConflict, Message: "username already taken", Err: err}
	case errors.Is(err, auth.ErrInvalidUsername):
		return &core.CoreError{Code: core.ErrCodeValidationFailed, Message: "username must be 3 to 32 characters", Err: err}
	case errors.Is(err, auth.ErrInvalidPassword):
		return &core.CoreError{Code: core.ErrCodeValidationFailed, Message: "password must be at least 6 characters", Err: err}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return &core.CoreError{Code: core.ErrCodeUnauthorized, Message: "invalid credentials", Err: err}
	default:
		return core.FromStorage("account", err)
	}
}
