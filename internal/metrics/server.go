package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig contains metrics HTTP server settings
type ServerConfig struct {
	Addr       string
	Path       string
	AllowedIPs []string
}

// Server serves Prometheus metrics over HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	path       string
	logger     *slog.Logger
	allowed    allowList
}

// NewServer creates a new metrics HTTP server
func NewServer(m *Metrics, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	s := &Server{
		metrics: m,
		addr:    cfg.Addr,
		path:    cfg.Path,
		logger:  logger,
		allowed: parseAllowList(cfg.AllowedIPs, logger),
	}

	if len(s.allowed) > 0 {
		logger.Info("metrics IP filtering enabled", "allowed_networks", len(s.allowed))
	}

	return s
}

// Handler returns the metrics router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	// Health stays reachable for load balancers
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.allowMiddleware)
		r.Handle(s.path, promhttp.HandlerFor(
			s.metrics.Registry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	})

	return r
}

// ListenAndServe starts the metrics HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting metrics server", "addr", s.addr, "path", s.path)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) allowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := remoteIP(r)
		if ip == nil || !s.allowed.contains(ip) {
			s.logger.Warn("metrics access denied", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowList is a set of networks; empty allows everyone
type allowList []*net.IPNet

func parseAllowList(entries []string, logger *slog.Logger) allowList {
	var list allowList
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				logger.Warn("invalid IP in allowed_ips", "ip", entry)
				continue
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			entry = ip.String() + "/" + strconv.Itoa(bits)
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
			continue
		}
		list = append(list, ipNet)
	}
	return list
}

func (l allowList) contains(ip net.IP) bool {
	for _, n := range l {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteIP parses RemoteAddr, which RealIP may have replaced with a bare IP
func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}
