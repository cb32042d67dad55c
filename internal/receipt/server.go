package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/scanning"
)

// Flow is the capture pipeline driven over HTTP
type Flow interface {
	Snapshot() capture.Snapshot
	Devices(ctx context.Context) ([]capture.Device, error)
	Start(ctx context.Context) (capture.Snapshot, error)
	Flip(ctx context.Context) (capture.Snapshot, error)
	Capture(ctx context.Context) (capture.Snapshot, error)
	Retake(ctx context.Context) (capture.Snapshot, error)
	Confirm(ctx context.Context, items []scanning.LineItem) (string, error)
	Close() error
}

// Server handles HTTP requests for the capture flow and stored receipts
type Server struct {
	service   *Service
	flow      Flow
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, flow Flow, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, flow, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, flow Flow, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		flow:      flow,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to every response and answers preflights
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Budget Bear"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Capture flow
	s.mux.HandleFunc("GET /api/devices", s.requireAuth(s.handleListDevices))
	s.mux.HandleFunc("GET /api/capture/still", s.requireAuth(s.handleGetStill))
	s.mux.HandleFunc("POST /api/capture/start", s.requireAuth(s.handleStart))
	s.mux.HandleFunc("POST /api/capture/flip", s.requireAuth(s.handleFlip))
	s.mux.HandleFunc("POST /api/capture/retake", s.requireAuth(s.handleRetake))
	s.mux.HandleFunc("POST /api/capture/confirm", s.requireAuth(s.handleConfirm))
	s.mux.HandleFunc("GET /api/capture", s.requireAuth(s.handleGetCapture))
	s.mux.HandleFunc("POST /api/capture", s.requireAuth(s.handleCapture))
	s.mux.HandleFunc("DELETE /api/capture", s.requireAuth(s.handleCloseCapture))

	// Receipts
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))

	// Purchases
	s.mux.HandleFunc("GET /api/purchases/{id}", s.requireAuth(s.handleGetPurchase))
	s.mux.HandleFunc("DELETE /api/purchases/{id}", s.requireAuth(s.handleDeletePurchase))
	s.mux.HandleFunc("GET /api/purchases", s.requireAuth(s.handleListPurchases))
}

// Handler returns the routes wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// Run serves HTTP on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
