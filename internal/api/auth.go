package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"gymbook/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	PermReadClasses   = "read:classes"
	PermWriteClasses  = "write:classes"
	PermReadBookings  = "read:bookings"
	PermWriteBookings = "write:bookings"
	PermReadStats     = "read:stats"
	PermAdmin         = "admin"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"
)

var (
	errMissingHeaders   = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
)

// keyring authenticates API clients by key and extra secret.
type keyring struct {
	enabled      bool
	apiKeyHeader string
	extraHeader  string
	clients      map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		m[k.Key] = k
	}

	apiKeyHeader := strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = apiKeyHeaderDefault
	}
	extraHeader := strings.ToLower(strings.TrimSpace(cfg.HeaderExtra))
	if extraHeader == "" {
		extraHeader = apiExtraHeaderDefault
	}

	return &keyring{
		enabled:      cfg.Enabled,
		apiKeyHeader: apiKeyHeader,
		extraHeader:  extraHeader,
		clients:      m,
	}
}

func (k *keyring) authenticate(apiKey, extra string) (config.APIClientKey, error) {
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingHeaders
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

// hasPermission treats an empty permission list as allow-all; admin implies everything.
func hasPermission(client config.APIClientKey, required string) bool {
	if required == "" || len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		p = strings.TrimSpace(p)
		if p == required || p == PermAdmin {
			return true
		}
	}
	return false
}

type callerKey struct{}

func withCaller(ctx context.Context, client config.APIClientKey) context.Context {
	return context.WithValue(ctx, callerKey{}, client)
}

// callerFrom returns the authenticated client, if auth ran for this request.
func callerFrom(ctx context.Context) (config.APIClientKey, bool) {
	client, ok := ctx.Value(callerKey{}).(config.APIClientKey)
	return client, ok
}

// demoCaller reports whether the request was made with a showcase key.
func demoCaller(ctx context.Context) bool {
	client, ok := callerFrom(ctx)
	return ok && client.Demo
}

// AuthInterceptor applies API-key auth, per-method permissions and per-key rate limits to gRPC calls.
type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.cfg.Enabled {
			return handler(ctx, req)
		}

		if a.keys.enabled {
			client, err := a.checkAuth(ctx, info.FullMethod)
			if err != nil {
				return nil, err
			}
			ctx = withCaller(ctx, client)
		}
		if !a.limiter.Allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) (config.APIClientKey, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, "missing metadata")
	}

	client, err := a.keys.authenticate(first(md.Get(a.keys.apiKeyHeader)), first(md.Get(a.keys.extraHeader)))
	if err != nil {
		return config.APIClientKey{}, status.Error(codes.Unauthenticated, err.Error())
	}

	if !hasPermission(client, requiredPermission(fullMethod)) {
		return config.APIClientKey{}, status.Error(codes.PermissionDenied, errPermissionDenied.Error())
	}
	return client, nil
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case adminMethodGetBookingStats, adminMethodGetBreakdown:
		return PermReadStats
	case adminMethodExpireStale:
		return PermAdmin
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
