package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/config"
	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/proto"
)

// WSHandler authenticates, upgrades HTTP connections and bridges them to a core.Conn.
type WSHandler struct {
	hub                *core.Hub
	log                *zerolog.Logger
	maxMessageBytes    int64
	rateLimitPerMinute int
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		hub:                hub,
		log:                logger,
		maxMessageBytes:    cfg.MaxMessageBytes,
		rateLimitPerMinute: cfg.RateLimitPerMinute,
	}
}

// tokenFromRequest reads the credential from ?token= or the Authorization header.
func tokenFromRequest(r *stdhttp.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := bearerToken(r.Header.Get("Authorization"))
	return token
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		stdhttp.Error(w, "missing token", stdhttp.StatusUnauthorized)
		return
	}

	client, err := h.hub.Connect(r.Context(), token)
	if errors.Is(err, core.ErrTransportClosed) {
		stdhttp.Error(w, "shutting down", stdhttp.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.log.Debug().Err(err).Msg("ws authentication failed")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}
	defer h.hub.Disconnect(client)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ready := proto.Outbound{
		Type: proto.OutboundTypeReady,
		Data: proto.ReadyData{
			Protocol:     proto.ProtocolVersion,
			ConnectionID: client.ID,
			UserID:       client.UserID,
			Username:     client.Username,
		},
	}
	if err := wsjson.Write(ctx, conn, ready); err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ID).Msg("write ready frame")
		return
	}

	h.log.Info().Str("conn_id", client.ID).Int64("user_id", client.UserID).Msg("ws connected")

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.ID).Msg("ws connection closed with error")
		}
	}

	h.log.Info().Str("conn_id", client.ID).Int64("user_id", client.UserID).Msg("ws disconnected")
	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Conn) error {
	limiter := newRateLimiter(h.rateLimitPerMinute)

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			if err := wsjson.Write(ctx, conn, errorFrame(inbound.Ref, &proto.Error{Code: errCodeRateLimited, Msg: "rate limit exceeded"})); err != nil {
				return err
			}
			continue
		}

		if inbound.Type == proto.InboundTypePing {
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypePong, Ref: inbound.Ref}); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			if err := wsjson.Write(ctx, conn, errorFrame(inbound.Ref, protoErr)); err != nil {
				return err
			}
			continue
		}

		res, err := h.hub.Execute(ctx, client, cmd)
		if err != nil {
			if errors.Is(err, core.ErrTransportClosed) {
				return err
			}
			h.log.Debug().Err(err).Str("conn_id", client.ID).Str("type", inbound.Type).Msg("command rejected")
			if writeErr := wsjson.Write(ctx, conn, errorFrame(inbound.Ref, protoError(err))); writeErr != nil {
				return writeErr
			}
			continue
		}

		if err := wsjson.Write(ctx, conn, ackFromResult(inbound.Ref, res)); err != nil {
			return err
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Conn) error {
	for {
		select {
		case event := <-client.Events():
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ID).Msg("write ws event")
				return err
			}
		case <-client.Done():
			return core.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
