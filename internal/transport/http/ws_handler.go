package http

import (
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
)

// WSHandler upgrades HTTP connections and hands them to the gateway.
type WSHandler struct {
	gw   *core.Gateway
	auth *auth.Service
	cfg  config.WSConfig
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(gw *core.Gateway, authService *auth.Service, cfg config.WSConfig, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{gw: gw, auth: authService, cfg: cfg, log: logger}
}

// ServeHTTP resolves the identity hint, upgrades, and serves the connection
// until it ends. A token hint that fails validation is refused before the
// upgrade; a plain user_id hint is checked by the gateway.
func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	hint, ok := h.identityHint(r)
	if !ok {
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns}
	if len(h.cfg.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx := r.Context()
	c, err := h.gw.Accept(ctx, wsSocket{conn: conn}, hint)
	if err != nil {
		// Accept has already closed the socket with the matching code.
		h.log.Debug().Err(err).Str("hint", hint).Msg("ws connection refused")
		return
	}
	if err := h.gw.Serve(ctx, c); err != nil {
		h.log.Debug().Err(err).Str("conn_id", c.ID).Msg("ws connection ended")
	}
}

// identityHint reads ?token= or, failing that, ?user_id=. It reports false
// only for a token that does not validate.
func (h *WSHandler) identityHint(r *stdhttp.Request) (string, bool) {
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		if h.auth == nil {
			return "", false
		}
		claims, err := h.auth.ValidateToken(token)
		if err != nil {
			h.log.Debug().Err(err).Msg("invalid ws token")
			return "", false
		}
		return claims.Username, true
	}
	return query.Get("user_id"), true
}
