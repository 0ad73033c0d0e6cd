// Package main wires the browser kernel's Capability Broker, Object
// Manager, Transaction Coordinator, Audit Log and Agent Runtime into a
// running process, following audit-service's cmd/api/main.go
// construction order: logger, tracer, secrets, storage, then the
// mediated surfaces.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/browserkernel/kernel/internal/corelib/config"
	"github.com/browserkernel/kernel/internal/corelib/natsclient"
	"github.com/browserkernel/kernel/internal/corelib/telemetry"
	"github.com/browserkernel/kernel/internal/grpcapi"
	"github.com/browserkernel/kernel/internal/httpapi"
	"github.com/browserkernel/kernel/internal/kernel"
	"github.com/browserkernel/kernel/internal/mediation"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "browser-kernel", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Vault Secret Loading ───────────────────────────────────────────────
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://localhost:8200"
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/browser-kernel"
	}

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets from Vault", zap.Error(err))
	}

	pgURL, _ := secrets["PG_URL"].(string)
	natsURL, _ := secrets["NATS_URL"].(string)
	jwksURL, _ := secrets["JWKS_URL"].(string)

	// ── Database Connection Pool (OTel-instrumented) ───────────────────────
	// A kernel with no PG_URL configured runs entirely in memory — useful
	// for local development and the test harness's own process, not a
	// recommended production mode (an in-memory audit log/capability set
	// does not survive a restart, which §3/§4's durability invariants
	// assume).
	var pool *pgxpool.Pool
	if pgURL != "" {
		poolCfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			logger.Fatal("failed to parse PG_URL", zap.Error(err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
		pool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database (OTel-instrumented)")
	} else {
		logger.Warn("PG_URL not configured, running with in-memory stores")
	}

	// ── NATS JetStream ─────────────────────────────────────────────────────
	var nc *natsclient.Client
	if natsURL != "" {
		nc, err = natsclient.NewClient(natsURL, logger)
		if err != nil {
			logger.Fatal("NATS connection failed", zap.Error(err))
		}
		defer nc.Close()

		if err := nc.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
	} else {
		logger.Warn("NATS_URL not configured, audit entries will not be published")
	}

	// ── Kernel ──────────────────────────────────────────────────────────────
	kctx := context.Background()
	k, err := kernel.Init(kctx, kernel.Config{
		Store: kernel.StorePaths{
			Pool: pool,
			NATS: nc,
		},
		Renderer:   mediation.NewMockRenderer(),
		Governance: mediation.DenyAllGovernance{},
	})
	if err != nil {
		logger.Fatal("kernel init failed", zap.Error(err))
	}

	go k.Capabilities.RunSweeper(kctx, time.Minute)

	// ── gRPC Server (OTel-instrumented) ─────────────────────────────────────
	grpcLis, err := net.Listen("tcp", ":50051")
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	grpcapi.Register(grpcServer, grpcapi.NewCapabilityServer(k.Capabilities, logger))

	go func() {
		logger.Info("browser kernel gRPC server listening on :50051")
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	// ── JWKS (for the HTTP admin surface's bearer-token verification) ──────
	if jwksURL == "" {
		logger.Fatal("JWKS_URL secret is required to serve the HTTP admin surface")
	}
	authKeyfunc, err := httpapi.NewJWKS(jwksURL)
	if err != nil {
		logger.Fatal("failed to initialize JWKS", zap.Error(err))
	}

	// ── HTTP Server ──────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("browser-kernel"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	httpapi.RegisterRoutes(e, k.Audit, k.Capabilities, authKeyfunc, logger)

	go func() {
		logger.Info("browser kernel HTTP server listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Error("kernel shutdown error", zap.Error(err))
	}
	logger.Info("browser kernel shut down cleanly")
}
