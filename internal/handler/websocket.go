package handler

import (
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/StarryCod/void-mes-sub000/internal/auth"
	"github.com/StarryCod/void-mes-sub000/internal/config"
	"github.com/StarryCod/void-mes-sub000/internal/service"
	"github.com/StarryCod/void-mes-sub000/internal/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocketHandler upgrades HTTP requests to relay connections.
type WebSocketHandler struct {
	config   *config.Config
	service  *service.Service
	verifier auth.Verifier
	upgrader websocket.Upgrader

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cfg *config.Config, svc *service.Service, verifier auth.Verifier) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   cfg.WebSocket.BufferSize,
		WriteBufferSize:  cfg.WebSocket.BufferSize,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(cfg.HTTP.AllowedOrigins) == 1 && cfg.HTTP.AllowedOrigins[0] == "*" {
				return true
			}
			for _, allowed := range cfg.HTTP.AllowedOrigins {
				if allowed == origin {
					return true
				}
			}
			return false
		},
	}

	return &WebSocketHandler{
		config:   cfg,
		service:  svc,
		verifier: verifier,
		upgrader: upgrader,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeHTTP handles HTTP requests for WebSocket connections
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r.RemoteAddr) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// Identity is optional at upgrade time: a client may instead send a
	// register envelope once connected (the reconnection agent does).
	userID, err := h.verifier.UserID(r)
	if err != nil && err != auth.ErrIdentityMissing {
		log.Printf("Rejected upgrade from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}

	conn := transport.NewWSConn(wsConn, transport.Options{
		WriteWait:      h.config.WebSocket.WriteWait,
		PongWait:       h.config.WebSocket.PongWait,
		PingPeriod:     h.config.WebSocket.PingPeriod,
		MaxMessageSize: h.config.WebSocket.MaxMessageSize,
		SendBuffer:     h.config.WebSocket.SendBuffer,
	})

	h.service.Accept(conn)
	if userID != "" {
		h.service.Register(conn, userID)
	}

	go conn.WriteLoop()
	go func() {
		defer h.service.Disconnect(conn.ID())
		conn.ReadLoop(
			func(data []byte) { h.service.HandleMessage(conn, data) },
			func() { h.service.Touch(conn.ID()) },
		)
	}()
}

// allow applies the per-remote upgrade rate limit.
func (h *WebSocketHandler) allow(remoteAddr string) bool {
	if !h.config.RateLimit.Enabled {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	h.limitersMu.Lock()
	limiter, exists := h.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(h.config.RateLimit.PerSecond), h.config.RateLimit.Burst)
		h.limiters[host] = limiter
	}
	h.limitersMu.Unlock()

	return limiter.Allow()
}
