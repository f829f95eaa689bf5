// Package server assembles the OAuth server, the token store and the
// upstream proxy into one HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/txn2/oauth-proxy/pkg/config"
	"github.com/txn2/oauth-proxy/pkg/health"
	apihttp "github.com/txn2/oauth-proxy/pkg/http"
	"github.com/txn2/oauth-proxy/pkg/oauth"
	"github.com/txn2/oauth-proxy/pkg/oauth/file"
	"github.com/txn2/oauth-proxy/pkg/proxy"
)

// Version is set at build time.
var Version = "dev"

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// Server is the assembled service.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	oauth   *oauth.Server
	tokens  *oauth.TokenStore
	health  *health.Checker
	handler http.Handler
}

// New builds the service from a validated configuration. Persisted tokens
// are loaded before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := oauth.NewRegistry(cfg.ClientSpecs()...)
	if err != nil {
		return nil, fmt.Errorf("registering clients: %w", err)
	}

	store := file.New(cfg.Storage.TokenFile)
	tokens, err := oauth.NewTokenStore(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}

	generator, err := tokenGenerator(cfg)
	if err != nil {
		return nil, err
	}

	oauthServer, err := oauth.NewServer(oauth.ServerConfig{
		Issuer:          cfg.OAuth.Issuer,
		AccessTokenTTL:  cfg.OAuth.AccessTokenLifetime,
		RefreshTokenTTL: cfg.OAuth.RefreshTokenLifetime,
		AuthCodeTTL:     cfg.OAuth.AuthCodeLifetime,
		DefaultScope:    cfg.OAuth.DefaultScope,
		Generator:       generator,
		Users: oauth.StaticUserAuthenticator{User: oauth.User{
			ID:   cfg.OAuth.Consent.UserID,
			Name: cfg.OAuth.Consent.UserName,
		}},
		Logger: logger,
	}, registry, tokens)
	if err != nil {
		return nil, fmt.Errorf("creating oauth server: %w", err)
	}

	forwarder, err := proxy.New(proxy.Config{
		Upstream:     cfg.Proxy.Upstream,
		StripPrefix:  cfg.Proxy.Prefix,
		UserAgent:    "oauth-proxy/" + Version,
		Timeout:      cfg.Proxy.Timeout,
		MaxRedirects: cfg.Proxy.MaxRedirects,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating proxy: %w", err)
	}

	checker := health.NewChecker()
	checker.AddCheck("token_store", store.Check)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		oauth:  oauthServer,
		tokens: tokens,
		health: checker,
	}
	s.handler = s.routes(forwarder)

	logger.Info("server configured",
		"clients", registry.Clients(),
		"tokens_loaded", tokens.Len(),
		"token_file", store.Path(),
		"upstream", cfg.Proxy.Upstream,
		"jwt_tokens", generator != nil)
	return s, nil
}

func tokenGenerator(cfg *config.Config) (oauth.TokenGenerator, error) {
	key, err := cfg.SigningKeyBytes()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}
	issuer := cfg.OAuth.Issuer
	if issuer == "" {
		issuer = "oauth-proxy"
	}
	generator, err := oauth.NewJWTGenerator(issuer, key)
	if err != nil {
		return nil, fmt.Errorf("creating token generator: %w", err)
	}
	return generator, nil
}

func (s *Server) routes(forwarder http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(apihttp.RequestLogger(s.logger))
	r.Use(apihttp.Recoverer(s.logger))

	r.Handle("/oauth/*", s.oauth)
	r.Handle(oauth.PathMetadata, s.oauth)

	prefix := s.cfg.Proxy.Prefix
	r.Get(prefix+"/health", s.health.LivenessHandler())
	r.Get("/readyz", s.health.ReadinessHandler())

	r.Group(func(r chi.Router) {
		r.Use(apihttp.RequireBearer(s.oauth.Model(), s.logger))
		r.Use(apihttp.RequireScope(s.cfg.Proxy.RequiredScope))
		r.Handle(prefix, forwarder)
		r.Handle(prefix+"/*", forwarder)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// OAuth returns the OAuth server.
func (s *Server) OAuth() *oauth.Server {
	return s.oauth
}

// Tokens returns the token store.
func (s *Server) Tokens() *oauth.TokenStore {
	return s.tokens
}

// Health returns the readiness checker.
func (s *Server) Health() *health.Checker {
	return s.health
}

// Run listens on the configured address until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled, then drains
// in-flight requests. The expired-token sweep runs alongside.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "address", ln.Addr().String(), "version", Version)
		s.health.SetReady()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.oauth.RunCleanup(gctx, s.cfg.OAuth.CleanupInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.SetDraining()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
