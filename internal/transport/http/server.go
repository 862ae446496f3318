package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/auth"
	"github.com/vovakirdan/relaychat-server/internal/config"
	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/store"
)

// NewServer builds the HTTP server: REST API, health and metrics on gin, and
// the websocket endpoint on a plain mux in front of it. metricsHandler may be nil.
func NewServer(hub *core.Hub, authService *auth.Service, st store.Store, cfg *config.Config, logger *zerolog.Logger, metricsHandler stdhttp.Handler) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	accounts := NewAccountHandlers(authService, logger)
	router.POST("/api/register", accounts.Register)
	router.POST("/api/login", accounts.Login)

	conversations := NewConversationHandlers(hub, st, logger)
	messages := NewMessageHandlers(hub, logger)
	users := NewUserHandlers(hub, st, logger)

	protected := router.Group("/api")
	protected.Use(AuthMiddleware(authService, logger))
	{
		protected.GET("/conversations", conversations.ListConversations)
		protected.POST("/conversations", conversations.CreateConversation)
		protected.GET("/conversations/:id/messages", conversations.ListMessages)
		protected.POST("/conversations/:id/messages", conversations.SendMessage)
		protected.POST("/conversations/:id/read", conversations.MarkRead)
		protected.POST("/conversations/:id/members", conversations.AddMembers)

		protected.POST("/messages/:id/read", messages.MarkRead)
		protected.PATCH("/messages/:id", messages.EditMessage)
		protected.DELETE("/messages/:id", messages.DeleteMessage)

		protected.GET("/users/:id/presence", users.GetPresence)
	}

	// The websocket endpoint stays outside gin: gin refuses to hijack a
	// response once the upgrade has written its status line.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, cfg, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
