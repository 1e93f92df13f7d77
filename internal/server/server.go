package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"holdd/internal/config"
	"holdd/internal/hold"
)

type Server struct {
	cfg    *config.Config
	logger *log.Logger
	engine *hold.Engine
}

func New(cfg *config.Config, logger *log.Logger, engine *hold.Engine) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
	}
}

func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		s.logger.Printf("listening on https://%s", addr)
		return httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
	}

	s.logger.Printf("listening on http://%s", addr)
	return httpServer.ListenAndServe()
}
