package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"consentgate.org/internal/access"
	"consentgate.org/internal/auth"
	"consentgate.org/internal/config"
	"consentgate.org/internal/httpapi"
	"consentgate.org/internal/limit"
	"consentgate.org/internal/obs"
	pgstore "consentgate.org/internal/store/pg"
	"consentgate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	// metrics and build_info
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	store, creds, closeStore := openStore(cfg, logger)
	defer closeStore()

	signer, err := auth.NewSigner(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		logger.Fatal("auth signer", zap.Error(err))
	}

	feed := stream.New()
	svc, err := access.NewService(store,
		access.WithReauthenticator(auth.NewPasswordReauth(creds)),
		access.WithTokenTTL(cfg.Access.TokenTTL),
		access.WithEmergencyDuration(cfg.Access.EmergencyDuration),
		access.WithQRScheme(cfg.Access.QRScheme),
		access.WithAuditObserver(feed.Publish),
	)
	if err != nil {
		logger.Fatal("access service", zap.Error(err))
	}

	guard, closeGuard := openGuard(cfg, logger)
	defer closeGuard()

	stopSweeper := access.NewSweeper(svc).Start(cfg.Access.SweepInterval)
	defer stopSweeper()

	api := httpapi.New(svc, signer,
		httpapi.WithVersion(cfg.Version),
		httpapi.WithDevTokens(cfg.Auth.DevTokens),
		httpapi.WithRateLimit(cfg.Limits.RatePerSec, cfg.Limits.Burst),
		httpapi.WithValidationGuard(guard),
		httpapi.WithAuditStream(feed),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout is left unset so the audit SSE feed can stay open.
	}

	health := httpapi.NewHealthServer(svc)
	stopHealth := health.Start(15 * time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}

	logger.Info("starting consentgate-api",
		zap.String("version", cfg.Version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.Bool("postgres", cfg.Postgres.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopHealth()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

// openStore selects Postgres when a DSN is configured and the in-memory
// store otherwise. Development actors are only seeded into memory.
func openStore(cfg *config.Config, logger *zap.Logger) (access.Store, auth.CredentialStore, func()) {
	if cfg.Postgres.DSN != "" {
		db, err := pgstore.Open(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("open postgres", zap.Error(err))
		}
		return db, db, func() { _ = db.Close() }
	}

	logger.Warn("CG_PG_DSN not set; using in-memory store")
	creds := auth.NewMemoryCredentials()
	for actor, password := range cfg.Auth.DevActors {
		if err := creds.SetPassword(actor, password); err != nil {
			logger.Fatal("seed dev actor", zap.Error(err), zap.String("actor", actor))
		}
	}
	return access.NewMemoryStore(), creds, func() {}
}

// openGuard selects the Redis-backed validation guard when Redis is configured.
func openGuard(cfg *config.Config, logger *zap.Logger) (limit.Guard, func()) {
	if cfg.Redis.Addr == "" {
		return limit.NewMemory(cfg.Limits.ValidateMaxFailures, cfg.Limits.ValidateWindow), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable; validation guard will fail open", zap.Error(err))
	}
	return limit.NewRedis(client, "", cfg.Limits.ValidateMaxFailures, cfg.Limits.ValidateWindow), func() { _ = client.Close() }
}
