// Package server is the WebSocket front door: it accepts connections,
// decodes event frames, and binds them to the broker protocol.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are first-party applications; registration is the auth gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns the HTTP listener and hands upgraded connections to the
// broker.
type Server struct {
	cfg    config.ServerConfig
	broker *Broker
	log    logx.Logger
	http   *http.Server
}

func New(cfg config.ServerConfig, broker *Broker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:    cfg,
		broker: broker,
		log:    log.With(logx.String("component", "server")),
	}
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	path := s.cfg.Path
	if path == "" {
		path = "/socket"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)

	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		errCh <- err
	}()
	s.log.Info("listening",
		logx.String("addr", s.cfg.Addr),
		logx.String("path", path),
		logx.Bool("tls", s.cfg.CertFile != "" && s.cfg.KeyFile != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", logx.Err(err))
		return
	}
	c := newConn(ws, s.log, s.broker.onDisconnect)
	s.log.Debug("connection accepted",
		logx.String("conn", c.ID()),
		logx.String("remote", c.RemoteAddr()))
	s.broker.Bind(c)
	c.run()
}
