// Package httpapi is the HTTP surface: health, on-demand checks, price
// history and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	logx "pricewatch/pkg/logx"
)

// Config controls the HTTP server.
//
// Binding a non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg    Config
	log    logx.Logger
	engine *gin.Engine
}

func New(cfg Config, h *Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Check-now waits for a full fetch with retries.
		cfg.WriteTimeout = 3 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	log = log.With(logx.String("comp", "http"))
	return &Server{cfg: cfg, log: log, engine: newRouter(cfg, h, log)}
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("http refused to start: non-loopback addr requires a token", logx.String("addr", addr))
		return errors.New("http refused to start: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		s.log.Info("http stopped")
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
