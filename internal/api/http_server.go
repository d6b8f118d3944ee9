package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"gymbook/internal/config"
	"gymbook/internal/domain"
	"gymbook/internal/export"
	"gymbook/internal/metrics"
	"gymbook/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Services are the application services the HTTP API delegates to.
type Services struct {
	Ledger   *service.BookingService
	Catalog  *service.CatalogService
	Members  *service.MemberService
	Stats    *service.StatsService
	Exporter *export.Exporter
	// MemberLimits throttles member writes per member id. Nil disables the check.
	MemberLimits domain.RateLimitStore
}

// HTTPServer exposes the booking API over HTTP.
type HTTPServer struct {
	cfg         *config.APIConfig
	svc         Services
	keys        *keyring
	limiter     *rateLimiter
	server      *http.Server
	logger      zerolog.Logger
	memberLimit int
	memberWin   time.Duration
}

func NewHTTPServer(cfg *config.APIConfig, booking config.BookingConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:         cfg,
		svc:         svc,
		keys:        newKeyring(cfg.Auth),
		limiter:     newRateLimiter(cfg.RateLimit),
		logger:      logger.With().Str("component", "http").Logger(),
		memberLimit: booking.MemberRateLimit,
		memberWin:   booking.MemberRateWin,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler is the fully wired router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", s.keys.apiKeyHeader, s.keys.extraHeader, memberHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/classes", func(r chi.Router) {
			r.With(s.require(PermReadClasses)).Get("/", s.handleListClasses)
			r.With(s.require(PermWriteClasses)).Post("/", s.handleCreateClass)
			r.Route("/{id}", func(r chi.Router) {
				r.With(s.require(PermReadClasses)).Get("/", s.handleGetClass)
				r.With(s.require(PermWriteClasses)).Put("/", s.handleUpdateClass)
				r.With(s.require(PermAdmin)).Delete("/", s.handleDeleteClass)
				r.With(s.require(PermWriteClasses)).Put("/trainer", s.handleAssignTrainer)
				r.With(s.require(PermWriteClasses)).Delete("/trainer", s.handleRemoveTrainer)
				r.With(s.require(PermAdmin)).Post("/cancel", s.handleCancelClass)
				r.With(s.require(PermReadBookings)).Get("/roster", s.handleRoster)
				r.With(s.require(PermReadBookings)).Get("/roster.xlsx", s.handleRosterExport)
			})
		})

		r.Route("/bookings", func(r chi.Router) {
			r.With(s.require(PermWriteBookings)).Post("/", s.handleCreateBooking)
			r.Route("/{id}", func(r chi.Router) {
				r.With(s.require(PermReadBookings)).Get("/", s.handleGetBooking)
				r.With(s.require(PermWriteBookings)).Post("/confirm", s.handleConfirmBooking)
				r.With(s.require(PermWriteBookings)).Post("/cancel", s.handleCancelBooking)
				r.With(s.require(PermWriteBookings)).Post("/attendance", s.handleAttendance)
			})
		})

		r.Route("/members", func(r chi.Router) {
			r.With(s.require(PermAdmin)).Get("/", s.handleListMembers)
			r.With(s.require(PermAdmin)).Post("/", s.handleCreateMember)
			r.With(s.require(PermReadBookings)).Get("/{id}/bookings", s.handleMemberBookings)
			r.With(s.require(PermReadStats)).Get("/{id}/stats", s.handleMembershipStats)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Use(s.require(PermReadStats))
			r.Get("/bookings", s.handleBookingStats)
			r.Get("/members", s.handleMemberStats)
			r.Get("/classes", s.handleClassTotals)
			r.Get("/breakdown", s.handleBreakdown)
			r.Get("/export.xlsx", s.handleStatsExport)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.require(PermAdmin))
			r.Post("/expire", s.handleExpire)
			r.Post("/purge", s.handlePurge)
		})
	})

	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.IncHTTP(r.Method + " " + route)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// authenticate checks the API key pair and applies the per-key rate limit.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if s.keys.enabled {
			client, err := s.keys.authenticate(
				strings.TrimSpace(r.Header.Get(s.keys.apiKeyHeader)),
				strings.TrimSpace(r.Header.Get(s.keys.extraHeader)),
			)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx = withCaller(ctx, client)
		}

		if !s.limiter.Allow(s.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require rejects callers whose key lacks perm. Without auth every caller passes.
func (s *HTTPServer) require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client, ok := callerFrom(r.Context()); ok && !hasPermission(client, perm) {
				writeError(w, http.StatusForbidden, errPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(s.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// allowMember applies the per-member write limit. Store errors let the request through.
func (s *HTTPServer) allowMember(ctx context.Context, memberID int64) bool {
	if s.svc.MemberLimits == nil || s.memberLimit <= 0 {
		return true
	}
	allowed, err := s.svc.MemberLimits.CheckRateLimit(ctx, fmt.Sprintf("member:%d", memberID), s.memberLimit, s.memberWin)
	if err != nil {
		s.logger.Warn().Err(err).Int64("member_id", memberID).Msg("member rate limit check failed")
		return true
	}
	return allowed
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
