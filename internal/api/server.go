package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/manager"
	"data-sync-bridge/internal/syncengine"
)

// Server exposes the bridge's admin surface: health, sync status, manual
// sync triggers and a live result stream. It is an operator tool, not the
// data path; collaborator scripts use the Operations API directly.
type Server struct {
	listen    string
	jwtSecret string
	window    time.Duration
	mgr       *manager.Manager
	engine    *syncengine.Engine
	logger    *logrus.Entry
	router    *mux.Router
	hub       *Hub
	http      *http.Server
}

// NewServer creates the admin API server. An empty jwtSecret disables
// authentication on mutating routes.
func NewServer(listen, jwtSecret string, window time.Duration, mgr *manager.Manager, engine *syncengine.Engine, logger *logrus.Logger) *Server {
	s := &Server{
		listen:    listen,
		jwtSecret: jwtSecret,
		window:    window,
		mgr:       mgr,
		engine:    engine,
		logger:    logger.WithField("component", "api"),
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
	}

	s.setupRoutes()

	s.http = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Hub returns the websocket hub so the engine's result callback can be
// wired to it at startup.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the configured router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.WithField("listen", s.listen).Info("Admin API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestLogging)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/sync/stream", s.hub.HandleStream).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)
	protected.HandleFunc("/sync", s.handleTriggerSync).Methods(http.MethodPost)
	protected.HandleFunc("/sync/conflicts/{id}/resolve", s.handleResolveConflict).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	localInUse, localIdle := s.mgr.LocalStats()
	remoteInUse, remoteIdle, remoteConfigured := s.mgr.RemoteStats()

	resp := map[string]interface{}{
		"status":  "ok",
		"offline": s.mgr.Offline(),
		"local_pool": map[string]int{
			"in_use": localInUse,
			"idle":   localIdle,
		},
	}
	if remoteConfigured {
		resp["remote_pool"] = map[string]int{
			"in_use": remoteInUse,
			"idle":   remoteIdle,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	statuses, err := s.engine.RecentStatuses(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"statuses": statuses})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.UnresolvedConflicts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.SyncAllTables(r.Context(), s.window)
	if err != nil {
		if errors.Is(err, syncengine.ErrRemoteUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, "remote replica unreachable")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		ResolutionDetails string `json:"resolution_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.MarkConflictResolved(r.Context(), id, body.ResolutionDetails); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": id})
}

// authMiddleware validates a Bearer JWT signed with the configured secret.
// Authentication is skipped entirely when no secret is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			s.logger.WithError(err).Warn("Rejected request with invalid token")
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
