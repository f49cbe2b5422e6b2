// Package httpx carries the HTTP plumbing shared by the service: a server
// with graceful shutdown, JSON response helpers, and the standard middleware
// chain.
package httpx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mtls "github.com/motorbay/retrainer/pkg/tls"
)

// Server wraps http.Server with sane timeouts and graceful shutdown.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on addr. A nil handler serves
// http.DefaultServeMux.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// SetTLSConfig installs a TLS configuration. Call before Start or StartTLS.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.server.TLSConfig = cfg
}

// Start serves HTTP and blocks until the server stops. A graceful stop is
// not an error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// StartTLS serves HTTPS with the given certificate and blocks until the
// server stops.
func (s *Server) StartTLS(certFile, keyFile string) error {
	s.logger.Info("starting HTTPS server", "addr", s.server.Addr)
	if err := s.server.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests for up to timeout, then shuts down.
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("stopping HTTP server", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// ErrorResponse is the JSON shape of every error body: {"error":"<msg>"}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON marshals v to the response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}

// WriteError writes err as a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error body with a literal message.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	if err := WriteJSON(w, status, ErrorResponse{Error: message}); err != nil {
		slog.Error("failed to write error response", "error", err, "message", message)
	}
}

// HealthHandler responds 200 OK when check passes and 503 when it fails.
// A nil check always passes.
func HealthHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				WriteError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	}
}

// Middleware transforms a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first: Chain(h, a, b) runs a, then b,
// then h.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggingMiddleware logs method, path, status, and duration per request.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// RecoveryMiddleware converts handler panics into 500 responses.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
					)
					WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// NewClient builds an HTTP client for outbound calls, with mTLS when the
// configuration enables it.
func NewClient(tlsCfg mtls.Config, timeout time.Duration) (*http.Client, error) {
	var cryptoCfg *tls.Config
	if tlsCfg.Enabled {
		var err error
		cryptoCfg, err = mtls.ClientConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("create TLS config: %w", err)
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			TLSClientConfig:     cryptoCfg,
		},
	}, nil
}
