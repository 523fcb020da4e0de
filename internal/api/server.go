package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/config"
	"swiss-sandbox/internal/execution"
	"swiss-sandbox/internal/monitor"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/storage"
	"swiss-sandbox/internal/workspace"
)

// Server is the main HTTP server for the sandbox API. Every accepted TCP
// connection is registered with admission control for its lifetime.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	admission  *admission.Manager
	workspaces *workspace.Manager
	db         *storage.DB
	metrics    *monitor.Metrics
	cfg        *config.Config
	startTime  time.Time

	conns sync.Map // net.Conn -> *connAdmission
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, adm *admission.Manager, workspaces *workspace.Manager, engine *execution.Engine, policies *policy.Manager, db *storage.DB, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(cfg, adm, workspaces, engine, policies, db, metrics)

	s := &Server{
		handlers:   handlers,
		admission:  adm,
		workspaces: workspaces,
		db:         db,
		metrics:    metrics,
		cfg:        cfg,
		startTime:  time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /workspaces", handlers.HandleCreateWorkspace)
	apiMux.HandleFunc("GET /workspaces", handlers.HandleListWorkspaces)
	apiMux.HandleFunc("GET /workspaces/{id}", handlers.HandleGetWorkspace)
	apiMux.HandleFunc("DELETE /workspaces/{id}", handlers.HandleDeleteWorkspace)
	apiMux.HandleFunc("PUT /workspaces/{id}/environment", handlers.HandleSetEnvironment)
	apiMux.HandleFunc("GET /workspaces/{id}/usage", handlers.HandleWorkspaceUsage)
	apiMux.HandleFunc("GET /workspaces/{id}/security", handlers.HandleWorkspaceSecurity)
	apiMux.HandleFunc("GET /workspaces/{id}/files", handlers.HandleReadFile)
	apiMux.HandleFunc("PUT /workspaces/{id}/files", handlers.HandleWriteFile)
	apiMux.HandleFunc("DELETE /workspaces/{id}/files", handlers.HandleDeleteFile)
	apiMux.HandleFunc("GET /workspaces/{id}/dir", handlers.HandleListDir)
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("GET /contexts", handlers.HandleListContexts)
	apiMux.HandleFunc("DELETE /contexts/{id}", handlers.HandleDeleteContext)
	apiMux.HandleFunc("GET /connections", handlers.HandleConnections)
	apiMux.HandleFunc("GET /stats", handlers.HandleStats)
	apiMux.HandleFunc("GET /languages", handlers.HandleLanguages)

	var api http.Handler = apiMux
	api = AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(api)
	api = AdmissionMiddleware(adm, metrics)(api)

	// health and metrics bypass admission and auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", api)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.configure(s.httpServer, handler)

	return s
}

func (s *Server) configure(hs *http.Server, handler http.Handler) {
	hs.Handler = handler
	hs.ConnContext = s.connContext
	hs.ConnState = s.connState
}

// connContext runs once per accepted connection, before its first request.
func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	ca := &connAdmission{id: uuid.NewString(), source: remoteHost(c.RemoteAddr())}
	ca.accepted, ca.reason = s.admission.AddConnection(ca.id, ca.source)
	if ca.accepted {
		s.metrics.SetConnections(s.admission.ConnectionStats().Total)
	} else {
		s.metrics.RecordConnectionRejected(ca.reason)
	}
	s.conns.Store(c, ca)
	return withConnection(ctx, ca)
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}
	v, ok := s.conns.LoadAndDelete(c)
	if !ok {
		return
	}
	if ca := v.(*connAdmission); ca.accepted && s.admission.RemoveConnection(ca.id) {
		s.metrics.SetConnections(s.admission.ConnectionStats().Total)
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	ws := s.workspaces.Stats()

	resp := HealthResponse{
		Status:      "ok",
		Isolation:   ws.Provider,
		Database:    dbOK,
		Workspaces:  ws.Active,
		Connections: s.admission.ConnectionStats().Total,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
	}
	if resp.Isolation == "" {
		resp.Isolation = "none"
	}

	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
