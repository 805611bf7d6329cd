package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loghive/backend/internal/auth"
	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/ingest"
	"github.com/loghive/backend/internal/livetail"
	"github.com/loghive/backend/internal/query"
	"github.com/loghive/backend/internal/queue"
	"github.com/loghive/backend/internal/settings"
)

// Server assembles every HTTP surface of the platform: OTLP ingestion, the
// session-protected REST API, the admin API and the live-tail streams.
type Server struct {
	cfg    *config.Config
	db     *database.DB
	cache  *cache.Cache
	hub    *livetail.Hub
	router *mux.Router
	logger *log.Logger
}

func NewServer(cfg *config.Config, db *database.DB, c *cache.Cache, broker *queue.Broker) *Server {
	s := &Server{
		cfg:    cfg,
		db:     db,
		cache:  c,
		hub:    livetail.NewHub(c.Client()),
		logger: log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}

	settingsSvc := settings.NewService(db, c)
	authSvc := auth.NewService(db, c, settingsSvc, cfg.Auth)
	limiter := auth.NewLoginLimiter(cfg.Auth.LoginMax, cfg.Auth.LoginWindow)
	sessions := auth.NewMiddleware(authSvc, settingsSvc)
	engine := query.NewEngine(db, c, cfg.Query)

	router := mux.NewRouter()
	router.Use(corsMiddleware, s.loggingMiddleware)

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// OTLP ingestion authenticates with API keys, not sessions.
	otlp := router.PathPrefix("/v1/otlp").Subrouter()
	otlp.Use(ingest.APIKeyMiddleware(db.APIKeys))
	ingest.NewHandler(db, c, broker, cfg.Ingest).Register(otlp)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(sessions.Handler)

	auth.NewHandlers(authSvc, settingsSvc, db, limiter, cfg.FrontendURL).
		Register(api.PathPrefix("/auth").Subrouter())

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(auth.RequireAdmin)
	auth.NewAdminHandlers(authSvc, settingsSvc, db).Register(admin)

	query.NewHandlers(engine, db).Register(api)
	NewTenancyHandlers(db).Register(api)
	NewRuleHandlers(db).Register(api)
	NewNotificationHandlers(db).Register(api)

	api.Handle("/logs/stream", livetail.NewWSHandler(s.hub, authSvc, db)).Methods(http.MethodGet)
	api.Handle("/siem/events", livetail.NewSSEHandler(s.hub, authSvc, db)).Methods(http.MethodGet)

	s.router = router
	return s
}

// Hub exposes the live-tail hub so the binary can run its pump.
func (s *Server) Hub() *livetail.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on :%d", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	postgres := "connected"
	if err := s.db.PingContext(ctx); err != nil {
		postgres = "error"
	}
	redis := "connected"
	if err := s.cache.Client().Ping(ctx).Err(); err != nil {
		redis = "error"
	}

	status := http.StatusOK
	if postgres == "error" || redis == "error" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "healthy",
		"service":  "loghive-api",
		"postgres": postgres,
		"redis":    redis,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf(`{"method":%q,"path":%q,"duration_ms":%d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}
