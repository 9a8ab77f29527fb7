package service

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// RandomSignedHeader carries the gateway-authentication value in the
// upgrade response.
const RandomSignedHeader = "RandomSigned"

// Server upgrades device connections and runs a session per socket.
type Server struct {
	cfg      SessionConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket server. The session config is shared by
// every session the server spawns.
func NewServer(cfg SessionConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are embedded clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler exposing the device endpoint at /.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleDevice)
	return mux
}

// handleDevice admits one device: parse its identity, attach the signed
// nonce when the device has a signing key, upgrade, and serve the session
// until it closes.
func (srv *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	info, err := ParseConnectInfo(r.URL.Query())
	if err != nil {
		srv.logger.Warn("rejecting device connection", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := http.Header{}
	if settings, ok := srv.cfg.State.Settings(info.EspID); ok && settings.SignKey != nil {
		header.Set(RandomSignedHeader, SignNonce(*settings.SignKey, info.Nonce, srv.cfg.State.FkmToken()))
	}

	conn, err := srv.upgrader.Upgrade(w, r, header)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "esp_id", info.EspID, "error", err)
		return
	}

	session := NewSession(conn, info, srv.cfg)
	session.Run(r.Context())
}

// ListenAndServe runs the server on addr until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	srv.logger.Info("device server listening", "addr", addr)
	err := httpServer.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
