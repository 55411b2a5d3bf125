package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/ridebooking/internal/auth"
	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/booking/geoindex"
	"github.com/example/ridebooking/internal/booking/handler"
	"github.com/example/ridebooking/internal/booking/pricing"
	"github.com/example/ridebooking/internal/booking/repository"
	"github.com/example/ridebooking/internal/booking/service"
	"github.com/example/ridebooking/internal/http/validation"
	"github.com/example/ridebooking/internal/location"
	outboxworker "github.com/example/ridebooking/internal/outbox"
	"github.com/example/ridebooking/internal/relay"
	"github.com/example/ridebooking/pkg/observability"
	outboxpkg "github.com/example/ridebooking/pkg/outbox"
)

var cli struct {
	HTTPAddr string `name:"http-addr" env:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `name:"grpc-addr" env:"GRPC_ADDR" default:":9090"`
	Debug    bool   `name:"debug" env:"DEBUG"`

	JWTSecret string        `name:"jwt-secret" env:"JWT_SECRET" required:""`
	TokenTTL  time.Duration `name:"token-ttl" env:"TOKEN_TTL" default:"720h"`

	MongoURI      string `name:"mongo-uri" env:"MONGO_URI" help:"Empty keeps bookings and users in memory."`
	MongoDatabase string `name:"mongo-database" env:"MONGO_DATABASE" default:"ridebooking"`
	RedisAddr     string `name:"redis-addr" env:"REDIS_ADDR" help:"Shared geo index, idempotency keys and driver locks."`
	NATSURL       string `name:"nats-url" env:"NATS_URL" help:"Event subject and relay backplane."`
	PostgresDSN   string `name:"postgres-dsn" env:"POSTGRES_DSN" help:"Durable event outbox."`

	KafkaBrokers []string `name:"kafka-brokers" env:"KAFKA_BROKERS" sep:","`
	KafkaTopic   string   `name:"kafka-topic" env:"KAFKA_TOPIC" default:"booking-events"`
	EventSubject string   `name:"event-subject" env:"EVENT_SUBJECT" default:"booking.events"`

	GoogleMapsKey        string  `name:"google-maps-key" env:"GOOGLE_MAPS_API_KEY" help:"Road distances for pricing; haversine when empty."`
	PricingTimezone      string  `name:"pricing-timezone" env:"PRICING_TIMEZONE" default:"Local"`
	SurgeRandomThreshold float64 `name:"surge-random-threshold" env:"SURGE_RANDOM_THRESHOLD" default:"0" help:"Surge when a random draw exceeds this; 0 disables."`

	NearbyRadius    float64       `name:"nearby-radius" env:"NEARBY_RADIUS_METERS" default:"10000"`
	NearbyMaxRadius float64       `name:"nearby-max-radius" env:"NEARBY_MAX_RADIUS_METERS" default:"100000"`
	NearbyLimit     int           `name:"nearby-limit" env:"NEARBY_LIMIT" default:"10"`
	DriverLockTTL   time.Duration `name:"driver-lock-ttl" env:"DRIVER_LOCK_TTL" default:"10s"`
	IdempotencyTTL  time.Duration `name:"idempotency-ttl" env:"IDEMPOTENCY_TTL" default:"24h"`

	OutboxPoll  time.Duration `name:"outbox-poll" env:"OUTBOX_POLL" default:"200ms"`
	OutboxBatch int           `name:"outbox-batch" env:"OUTBOX_BATCH" default:"100"`
	OutboxRetry int           `name:"outbox-retry" env:"OUTBOX_RETRY_MAX" default:"3"`
}

func main() {
	kong.Parse(&cli, kong.Description("Ride booking service."))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("booking-service", cli.Debug)
	defer logger.Sync() //nolint:errcheck

	if err := run(ctx, logger); err != nil {
		logger.Fatal("booking service stopped", zap.Error(err))
	}
}

type backends struct {
	mongo  *mongo.Database
	redis  *redis.Client
	nats   *nats.Conn
	db     *sqlx.DB
	checks []observability.Check
}

func connect(ctx context.Context, logger *zap.Logger) (*backends, func(), error) {
	b := &backends{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cli.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cli.MongoURI))
		if err != nil {
			return nil, cleanup, fmt.Errorf("mongo connect: %w", err)
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return nil, cleanup, fmt.Errorf("mongo ping: %w", err)
		}
		b.mongo = client.Database(cli.MongoDatabase)
		b.checks = append(b.checks, observability.Check{Name: "mongo", Fn: func(ctx context.Context) error { return client.Ping(ctx, nil) }})
	}

	if cli.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cli.RedisAddr})
		closers = append(closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("redis ping: %w", err)
		}
		b.redis = client
		b.checks = append(b.checks, observability.Check{Name: "redis", Fn: func(ctx context.Context) error { return client.Ping(ctx).Err() }})
	}

	if cli.NATSURL != "" {
		if conn, err := nats.Connect(cli.NATSURL, nats.Name("bookingservice")); err == nil {
			b.nats = conn
			closers = append(closers, func() { _ = conn.Drain() })
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	if cli.PostgresDSN != "" {
		db, err := sqlx.ConnectContext(ctx, "pgx", cli.PostgresDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("postgres connect: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		closers = append(closers, func() { _ = db.Close() })
		b.db = db
		b.checks = append(b.checks, observability.Check{Name: "postgres", Fn: db.PingContext})
	}
	return b, cleanup, nil
}

func run(ctx context.Context, logger *zap.Logger) error {
	shutdown, err := observability.SetupTracer(ctx, "booking-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	b, cleanup, err := connect(ctx, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	repo, geo, users, err := buildStores(ctx, b)
	if err != nil {
		return err
	}
	calc, err := buildPricing()
	if err != nil {
		return err
	}
	events, stopEvents, err := buildEvents(ctx, b, logger)
	if err != nil {
		return err
	}
	defer stopEvents()

	opts := []service.Option{
		service.WithEvents(events),
		service.WithLogger(logger.Named("booking")),
		service.WithConfig(service.Config{
			NearbyRadiusMeters:    cli.NearbyRadius,
			NearbyLimit:           cli.NearbyLimit,
			MaxNearbyRadiusMeters: cli.NearbyMaxRadius,
			DriverLockTTL:         cli.DriverLockTTL,
		}),
	}
	if b.redis != nil {
		opts = append(opts,
			service.WithIdempotency(repository.NewRedisIdempotencyRepo(b.redis, cli.IdempotencyTTL)),
			service.WithDriverLock(repository.NewRedisDriverLock(b.redis, "")))
	} else {
		opts = append(opts,
			service.WithIdempotency(repository.NewMemoryIdempotencyRepo(cli.IdempotencyTTL)),
			service.WithDriverLock(repository.NewMemoryDriverLock()))
	}
	svc := service.New(repo, geo, calc, opts...)

	hub := relay.NewHub(logger.Named("relay"))
	if b.nats != nil {
		if err := hub.UseBackplane(relay.NewNATSBackplane(b.nats, logger.Named("relay.backplane"))); err != nil {
			return err
		}
	}
	defer hub.Close() //nolint:errcheck
	rel := relay.New(hub, svc)

	validate := validation.New()
	authSvc := auth.NewService(users, auth.NewIssuer(cli.JWTSecret, cli.TokenTTL), logger.Named("auth"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, observability.RequestLogger(logger.Named("http")), chimiddleware.Recoverer)
	r.Mount("/auth", auth.NewHTTP(authSvc, validate, logger.Named("auth")).Router())
	r.Route("/api/bookings", func(r chi.Router) {
		r.Use(auth.Middleware(cli.JWTSecret))
		r.Mount("/", handler.NewHTTP(svc, validate, logger.Named("booking")).Router())
	})
	r.With(auth.Middleware(cli.JWTSecret)).Handle("/ws", relay.NewHandler(rel, nil, logger.Named("relay")))
	r.Mount("/observability", observability.MetricsRouter(b.checks...))

	srv := &http.Server{Addr: cli.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	grpcSrv := grpc.NewServer(location.ServerOption())
	location.RegisterLocationServer(grpcSrv, location.NewServer(cli.JWTSecret, rel, logger.Named("location")))

	errs := make(chan error, 2)
	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cli.GRPCAddr)
		if err != nil {
			errs <- fmt.Errorf("listen grpc: %w", err)
			return
		}
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errs <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	return srv.Shutdown(shutdownCtx)
}

func buildStores(ctx context.Context, b *backends) (domain.Repository, domain.GeoIndex, auth.UserStore, error) {
	var (
		repo  domain.Repository = repository.NewMemoryRepository()
		geo   domain.GeoIndex   = geoindex.NewMemoryIndex()
		users auth.UserStore    = auth.NewMemoryUserStore()
	)
	if b.mongo != nil {
		mongoRepo := repository.NewMongoRepository(b.mongo, repository.MongoConfig{})
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			return nil, nil, nil, err
		}
		mongoUsers := auth.NewMongoUserStore(b.mongo)
		if err := mongoUsers.EnsureIndexes(ctx); err != nil {
			return nil, nil, nil, err
		}
		repo, users = mongoRepo, mongoUsers
		geo = geoindex.NewMongoIndex(mongoRepo.Collection())
	}
	if b.redis != nil {
		geo = geoindex.NewRedisIndex(b.redis, "")
	}
	return repo, geo, users, nil
}

func buildPricing() (*pricing.Calculator, error) {
	cfg := pricing.DefaultConfig()
	loc, err := time.LoadLocation(cli.PricingTimezone)
	if err != nil {
		return nil, fmt.Errorf("pricing timezone: %w", err)
	}
	cfg.Location = loc

	var source pricing.DistanceSource = pricing.HaversineSource{}
	if cli.GoogleMapsKey != "" {
		gm, err := pricing.NewGoogleMapsSource(cli.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		source = gm
	}
	var demand pricing.DemandSignal = pricing.NoDemand{}
	if cli.SurgeRandomThreshold > 0 {
		demand = pricing.RandomDemand{Threshold: cli.SurgeRandomThreshold}
	}
	return pricing.NewCalculator(source, demand, domain.SystemClock{}, cfg), nil
}

// buildEvents picks the event sink. With Postgres configured events go to the
// outbox table and a worker drains it to NATS.
func buildEvents(ctx context.Context, b *backends, logger *zap.Logger) (domain.EventPublisher, func(), error) {
	switch {
	case b.db != nil:
		store := outboxworker.NewSQLStore(b.db, cli.EventSubject)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		if b.nats == nil {
			logger.Warn("outbox worker disabled, events stay in postgres until NATS is configured")
			return store, func() {}, nil
		}
		worker := outboxworker.NewWorker(store, b.nats, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cli.OutboxPoll,
			BatchSize:    cli.OutboxBatch,
			RetryMax:     cli.OutboxRetry,
		})
		workerCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
		return store, func() { cancel(); <-done }, nil
	case b.nats != nil:
		return outboxpkg.NewPublisher(b.nats, cli.EventSubject), func() {}, nil
	case len(cli.KafkaBrokers) > 0:
		kp := outboxpkg.NewKafkaPublisher(cli.KafkaBrokers, cli.KafkaTopic)
		return kp, func() { _ = kp.Close() }, nil
	default:
		logger.Info("no event sink configured, domain events are dropped")
		return outboxpkg.NewPublisher(nil, ""), func() {}, nil
	}
}
