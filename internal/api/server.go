package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/secretprov/internal/audit"
	"github.com/org/secretprov/internal/provision"
	"github.com/org/secretprov/internal/secret"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// AdminTokenHash is a bcrypt hash of the X-Admin-Token value. Empty
	// disables the check.
	AdminTokenHash string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the API server.
type Server struct {
	prov    *provision.Provisioner
	mirror  *secret.Mirror
	journal *audit.Journal
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over already wired components.
func NewServer(prov *provision.Provisioner, mirror *secret.Mirror, journal *audit.Journal, cfg Config) *Server {
	return &Server{
		prov:    prov,
		mirror:  mirror,
		journal: journal,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(accessLogMiddleware)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	}

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(adminMiddleware(s.cfg.AdminTokenHash))

		r.Route("/v1/applications", func(r chi.Router) {
			r.Post("/", s.ApplicationCreateHandler)
			r.Get("/", s.ApplicationListHandler)
			r.Route("/{appID}", func(r chi.Router) {
				r.Get("/", s.ApplicationGetHandler)
				r.Put("/", s.ApplicationUpdateHandler)
				r.Delete("/", s.ApplicationDeleteHandler)
				r.Post("/environments", s.EnvironmentCreateHandler)
				r.Get("/environments", s.EnvironmentListHandler)
			})
		})

		r.Route("/v1/environments/{envID}", func(r chi.Router) {
			r.Get("/", s.EnvironmentGetHandler)
			r.Put("/", s.EnvironmentRenameHandler)
			r.Delete("/", s.EnvironmentDeleteHandler)
			r.Post("/token", s.EnvironmentTokenHandler)
			r.Get("/status", s.EnvironmentStatusHandler)

			r.Get("/properties", s.PropertyListHandler)
			r.Post("/properties", s.PropertyCreateHandler)
			r.Get("/properties.env", s.PropertyExportHandler)
			r.Get("/properties/{key}", s.PropertyGetHandler)
			r.Put("/properties/{key}", s.PropertyUpdateHandler)
			r.Delete("/properties/{key}", s.PropertyDeleteHandler)
		})

		r.Get("/v1/audit/steps", s.StepsHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
