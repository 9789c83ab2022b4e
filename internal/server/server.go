package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/config"
	"escrowpay/internal/escrow"
	"escrowpay/internal/events"
	"escrowpay/internal/hmacauth"
	"escrowpay/internal/idempotency"
	"escrowpay/internal/intent"
	"escrowpay/internal/receipt"
	"escrowpay/internal/release"
	"escrowpay/internal/tokens"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP layer routes to.
type Deps struct {
	Chains      *chains.Registry
	Tokens      *tokens.Registry
	Builder     *intent.Builder
	Escrows     escrow.Store
	Client      escrow.Client
	Receipts    *receipt.Service
	Releases    *release.Service
	Idempotency idempotency.Store
	Events      events.Publisher
	Metrics     *Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        *zap.Logger
	hmac       *hmacauth.Verifier
	idem       *idempotency.Middleware
	validate   *validator.Validate
	metrics    *Metrics
	now        func() time.Time
	health     []healthCheck
	router     chi.Router
	httpServer *http.Server
}

type healthCheck struct {
	name string
	ping func(context.Context) error
}

type pinger interface {
	Ping(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  log,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  deps.Metrics,
		now:      now,
	}
	s.idem = &idempotency.Middleware{
		Store:    deps.Idempotency,
		Window:   cfg.Service.IdempotencyWindow,
		Logger:   log,
		OnReplay: s.metrics.incReplay,
	}

	if deps.Client != nil {
		s.health = append(s.health, healthCheck{"rpc", deps.Client.Ping})
	}
	if checker, ok := deps.Escrows.(pinger); ok {
		s.health = append(s.health, healthCheck{"database", checker.Ping})
	}
	if checker, ok := deps.Idempotency.(pinger); ok {
		s.health = append(s.health, healthCheck{"idempotency", checker.Ping})
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	timeout := s.cfg.Service.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	origins := s.cfg.Service.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", idempotency.HeaderKey,
			hmacauth.DefaultSignatureHeader, hmacauth.DefaultTimestampHeader},
		ExposedHeaders: []string{"Idempotent-Replayed"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/escrows", func(r chi.Router) {
			r.With(s.hmac.Middleware, s.idempotent("create", true)).Post("/", s.handleCreateEscrow)
			r.Get("/{id}", s.handleGetEscrow)
			r.Post("/{id}/fund-intent", s.handleFundIntent)
			r.Post("/{id}/funded", s.handleFunded)
			r.With(s.hmac.Middleware, s.idempotent("release", false)).Post("/{id}/release", s.handleRelease)
			r.Post("/{id}/dispute", s.handleDispute)
		})
		r.Get("/receipts/{id}", s.handleReceipt)
		r.Get("/chains", s.handleChains)
		r.Get("/chains/{id}/network", s.handleNetwork)
		r.Get("/tokens", s.handleTokens)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/health", s.handleHealth)
	})
	return r
}

// idempotent wraps a route with replay protection. required rejects
// requests without a key.
func (s *Server) idempotent(scope string, required bool) func(http.Handler) http.Handler {
	mw := *s.idem
	mw.Required = required
	return func(next http.Handler) http.Handler {
		if mw.Store == nil {
			return next
		}
		return mw.Wrap(scope, next)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func loggerMiddleware(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
