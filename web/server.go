package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"scan-station/capture"
	"scan-station/config"

	"go.uber.org/zap"
)

// Server represents the station's HTTP server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, deps, logger),
	}
}

// Routes returns the HTTP handler with all routes and middleware
func (s *Server) Routes() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.HandleHome)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.config.Server.StaticDir))))
	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("GET /api/status", h.HandleAPIStatus)
	mux.HandleFunc("GET /api/capabilities", h.HandleCapabilities)

	mux.HandleFunc("POST /api/sessions", h.HandleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.HandleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.HandleCloseSession)
	mux.HandleFunc("GET /api/sessions/{id}/image", h.HandleSessionImage)
	mux.HandleFunc("POST /api/sessions/{id}/open", h.sessionAction((*capture.Session).Open))
	mux.HandleFunc("POST /api/sessions/{id}/capture", h.sessionAction((*capture.Session).Capture))
	mux.HandleFunc("POST /api/sessions/{id}/retake", h.sessionAction((*capture.Session).Retake))
	mux.HandleFunc("POST /api/sessions/{id}/flip", h.sessionAction((*capture.Session).Flip))
	mux.HandleFunc("POST /api/sessions/{id}/stop", h.sessionAction(stopCamera))
	mux.HandleFunc("POST /api/sessions/{id}/reset", h.sessionAction(reset))
	mux.HandleFunc("POST /api/sessions/{id}/upload", h.HandleUpload)
	mux.HandleFunc("POST /api/sessions/{id}/submit", h.HandleSubmit)
	mux.HandleFunc("POST /api/sessions/{id}/confirm", h.HandleConfirm)

	mux.HandleFunc("POST /api/barcode", h.HandleBarcode)
	mux.HandleFunc("GET /api/activity", h.HandleActivity)
	mux.HandleFunc("GET /api/meals/history", h.HandleMealHistory)

	if h.preview != nil {
		mux.HandleFunc("GET /ws/preview", h.preview.HandleWebSocket)
	}

	return s.addMiddleware(mux)
}

// Serve listens until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Server.BindIP, fmt.Sprint(s.config.Server.WebPort)),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // submissions wait for every analysis attempt
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Web server started", zap.String("address", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.config.Timeouts.HTTPShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}

// addMiddleware adds CORS and request logging
func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler.ServeHTTP(lw, r)

		level := zap.InfoLevel
		if r.URL.Path == "/health" {
			level = zap.DebugLevel
		}
		s.logger.Log(level, "HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// allowOrigin returns the CORS origin to echo, or "" to send none
func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && allowed == origin {
			return origin
		}
	}
	return ""
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the preview signaling upgrade to a WebSocket
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
