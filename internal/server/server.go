// Package server exposes document storage, export and the real-time channel
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/Dancode-188/pdfsync/server/internal/auth"
	"github.com/Dancode-188/pdfsync/server/internal/config"
	"github.com/Dancode-188/pdfsync/server/internal/security"
	"github.com/Dancode-188/pdfsync/server/internal/session"
	"github.com/Dancode-188/pdfsync/server/internal/storage"
	"github.com/Dancode-188/pdfsync/server/internal/websocket"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
)

const version = "0.4.0"

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	registry *session.Registry
	auth     auth.Authenticator
	security *security.SecurityManager
	log      *slog.Logger
	upgrader gorilla.Upgrader
	server   *http.Server
}

// New creates a server that serves documents from registry.
func New(cfg *config.Config, registry *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		registry: registry,
		auth:     auth.Authenticator{Secret: cfg.Server.JWTSecret},
		security: security.NewSecurityManager(cfg.SecurityLimits()),
		log:      logger.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.upgrader = gorilla.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowedOrigin(origin)
		},
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /documents", s.handleCreate)
	mux.HandleFunc("POST /documents/{id}", s.handleUpload)
	mux.HandleFunc("GET /documents/{id}", s.handleDownload)
	mux.HandleFunc("PUT /documents/{id}", s.handleSave)
	mux.HandleFunc("GET /documents/{id}/export", s.handleExport)
	mux.HandleFunc("GET /documents/{id}/ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Start listens on the configured address. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket connections
// are not tracked here; closing the registry ends them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "pdfsync",
		"version":     version,
		"description": "Collaborative PDF annotation server",
		"endpoints": map[string]string{
			"health":    "/health",
			"documents": "/documents/{id}",
			"export":    "/documents/{id}/export",
			"ws":        "/documents/{id}/ws",
		},
		"auth": s.auth.Enabled(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	documents, clients := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"version":     version,
		"documents":   documents,
		"connections": clients,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	payload, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if ok, reason := s.security.DocumentLimiter.Allow(security.ClientIP(r)); !ok {
		writeError(w, http.StatusTooManyRequests, reason)
		return
	}

	id := uuid.NewString()
	if !auth.CanWriteDocument(payload, id) {
		writeError(w, http.StatusForbidden, "not allowed to create documents")
		return
	}
	if s.upload(w, r, id) {
		writeJSON(w, http.StatusCreated, map[string]string{"documentId": id})
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	if s.upload(w, r, id) {
		writeJSON(w, http.StatusOK, map[string]string{"documentId": id})
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, id string) bool {
	data, filename, contentType, err := s.readDocument(w, r)
	if err != nil {
		s.writeErr(w, err)
		return false
	}
	c, err := s.registry.Get(id)
	if err != nil {
		s.writeErr(w, err)
		return false
	}
	if err := c.Upload(r.Context(), data, filename, contentType); err != nil {
		s.writeErr(w, err)
		return false
	}
	return true
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	data, err := s.registry.Download(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writePDF(w, data)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	data, _, _, err := s.readDocument(w, r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.registry.SaveChanges(r.Context(), id, data); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"documentId": id})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	save, _ := strconv.ParseBool(r.URL.Query().Get("save"))
	id, ok := s.authorize(w, r, save)
	if !ok {
		return
	}
	c, err := s.registry.Open(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out, res, err := c.Export(r.Context(), save)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("X-Pdfsync-Pages", strconv.Itoa(res.Pages))
	w.Header().Set("X-Pdfsync-Skipped", strconv.Itoa(len(res.Skipped)))
	w.Header().Set("X-Pdfsync-Dropped", strconv.Itoa(res.Dropped))
	writePDF(w, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, payload, ok := s.authorizePayload(w, r, false)
	if !ok {
		return
	}
	ip := security.ClientIP(r)
	if !s.security.ConnectionLimiter.Acquire(ip) {
		writeError(w, http.StatusTooManyRequests, "too many connections")
		return
	}
	defer s.security.ConnectionLimiter.Release(ip)

	c, err := s.registry.Get(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "documentId", id, "error", err)
		return
	}

	conn := websocket.NewConnection(ws, websocket.Options{
		UserID:         payload.UserID,
		ReadOnly:       !auth.CanWriteDocument(payload, id),
		MaxMessageSize: s.security.Limits.MaxMessageSize,
		Limiter:        s.security.MessageLimiter,
		Logger:         s.log.With("documentId", id),
	})
	if err := c.Connect(conn); err != nil {
		ws.Close()
		return
	}
	conn.Serve(c)
}

// authorize validates the document id and checks the caller may read it, or
// write it when write is set. On failure the response has been written.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, write bool) (string, bool) {
	id, _, ok := s.authorizePayload(w, r, write)
	return id, ok
}

func (s *Server) authorizePayload(w http.ResponseWriter, r *http.Request, write bool) (string, *auth.TokenPayload, bool) {
	id := r.PathValue("id")
	if ok, reason := security.ValidateDocumentID(id); !ok {
		writeError(w, http.StatusBadRequest, reason)
		return "", nil, false
	}
	payload, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return "", nil, false
	}
	allowed := auth.CanReadDocument(payload, id)
	if write {
		allowed = auth.CanWriteDocument(payload, id)
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "access to document denied")
		return "", nil, false
	}
	return id, payload, true
}

// readDocument returns the uploaded bytes from a multipart "file" field or,
// for any other content type, the raw body.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, string, string, error) {
	if limit := s.security.Limits.MaxUploadSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", "", err
		}
		return data, "", mediaType, nil
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", "", fmt.Errorf("%w: no file provided", session.ErrInvalidInput)
	}
	if err != nil {
		return nil, "", "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", "", err
	}
	return data, header.Filename, header.Header.Get("Content-Type"), nil
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) allowedOrigin(origin string) bool {
	origins := s.config.Server.CORSOrigins
	return slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writePDF(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
