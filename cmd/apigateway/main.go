package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridebooking/internal/auth"
	ratelimitmw "github.com/example/ridebooking/internal/http/middleware"
	"github.com/example/ridebooking/pkg/observability"
)

var cli struct {
	Addr       string `name:"addr" env:"GATEWAY_ADDR" default:":8088"`
	BookingURL string `name:"booking-url" env:"BOOKING_SERVICE_URL" default:"http://localhost:8080"`
	RedisAddr  string `name:"redis-addr" env:"REDIS_ADDR" help:"Rate limiting is disabled when empty."`
	JWTSecret  string `name:"jwt-secret" env:"JWT_SECRET" help:"Lets the limiter key buckets by user instead of address."`
	Debug      bool   `name:"debug" env:"DEBUG"`

	ReadRPS    float64 `name:"rate-read-rps" env:"RATE_READ_RPS" default:"50"`
	ReadBurst  float64 `name:"rate-read-burst" env:"RATE_READ_BURST" default:"100"`
	WriteRPS   float64 `name:"rate-write-rps" env:"RATE_WRITE_RPS" default:"10"`
	WriteBurst float64 `name:"rate-write-burst" env:"RATE_WRITE_BURST" default:"20"`
}

func main() {
	kong.Parse(&cli, kong.Description("Edge gateway for the booking service."))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway", cli.Debug)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	target, err := url.Parse(cli.BookingURL)
	if err != nil {
		logger.Fatal("booking url", zap.Error(err))
	}

	var limiter *ratelimitmw.RateLimiter
	if redisClient := newRedisClient(ctx, logger); redisClient != nil {
		defer redisClient.Close()
		limiter = ratelimitmw.NewRateLimiter(redisClient,
			ratelimitmw.RateConfig{Rate: cli.ReadRPS, Burst: cli.ReadBurst},
			ratelimitmw.RateConfig{Rate: cli.WriteRPS, Burst: cli.WriteBurst},
			userIdentity(cli.JWTSecret),
			logger.Named("ratelimit"))
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, observability.RequestLogger(logger.Named("http")), chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter())
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		p := newProxy(target, logger)
		r.Handle("/api/*", p)
		r.Handle("/auth/*", p)
		r.Handle("/ws", p)
	})

	srv := &http.Server{Addr: cli.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", target.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newProxy forwards to the booking service. Websocket upgrades pass through.
func newProxy(target *url.URL, logger *zap.Logger) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}` + "\n"))
	}
	return p
}

// userIdentity keys buckets by the verified token subject. Requests without
// a valid token fall back to the client address.
func userIdentity(secret string) ratelimitmw.IdentityFunc {
	if secret == "" {
		return nil
	}
	return func(r *http.Request) string {
		token := auth.TokenFromHeader(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return ""
		}
		claims, err := auth.ParseToken(secret, token)
		if err != nil {
			return ""
		}
		return "user:" + claims.Subject
	}
}

func newRedisClient(ctx context.Context, logger *zap.Logger) *redis.Client {
	if cli.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cli.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, rate limiting disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
