// Package app wires the registry's components from configuration. It is
// shared by the API server and the reconcile worker.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"carbon-scribe/registry-core/internal/auth"
	"carbon-scribe/registry-core/internal/config"
	"carbon-scribe/registry-core/internal/database"
	"carbon-scribe/registry-core/internal/issuance"
	"carbon-scribe/registry-core/internal/ledger"
	"carbon-scribe/registry-core/internal/marketplace"
	"carbon-scribe/registry-core/internal/notifications"
	"carbon-scribe/registry-core/internal/notifications/websocket"
	"carbon-scribe/registry-core/internal/projects"
	"carbon-scribe/registry-core/internal/verification"
)

type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *sqlx.DB
	Ledger      ledger.Client
	Events      *websocket.Manager
	Notifier    *notifications.Service
	Registry    *projects.Registry
	Coordinator *issuance.Coordinator
	Marketplace *marketplace.Service
	Verifier    *verification.Service

	closers []func()
}

// NewLogger builds the zap logger for the configured environment
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

// New connects the database and ledger and builds every service. The ledger
// client may be injected for tests; nil builds the JSON-RPC client.
func New(ctx context.Context, cfg *config.Config, ledgerClient ledger.Client, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	logger.Info("Connecting to database", zap.String("driver", cfg.Database.Driver))
	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.GetDatabaseURL(), database.Options{
		MaxOpenConns: cfg.Database.MaxConnections,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func() { db.Close() })

	if err := database.Migrate(ctx, db); err != nil {
		a.Close()
		return nil, err
	}
	gormDB, err := database.OpenGorm(cfg.Database.Driver, db.DB)
	if err != nil {
		a.Close()
		return nil, err
	}

	if ledgerClient == nil {
		rpc, err := ledger.NewRPCClient(ledger.Config{
			RPCURL:              cfg.Ledger.RPCURL,
			ContractAddress:     cfg.Ledger.ContractAddress,
			APIKey:              cfg.Ledger.APIKey,
			RequestTimeout:      cfg.Ledger.RequestTimeout,
			ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout,
			PollInterval:        cfg.Ledger.PollInterval,
		}, logger.Named("ledger"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rpc.Close() })
		ledgerClient = rpc
	}
	a.Ledger = ledgerClient

	a.Events = websocket.NewManager(logger.Named("events"))
	a.closers = append(a.closers, a.Events.Close)

	var alerts notifications.SNSPublisher
	if cfg.Notifications.SNSTopicARN != "" {
		client, err := notifications.NewSNSClient(ctx, cfg.Notifications.AWSRegion)
		if err != nil {
			a.Close()
			return nil, err
		}
		alerts = client
	}
	a.Notifier = notifications.NewService(a.Events, alerts, cfg.Notifications.SNSTopicARN, logger.Named("notifications"))

	records, err := issuance.NewRepository(gormDB)
	if err != nil {
		a.Close()
		return nil, err
	}
	projectRepo := projects.NewRepository(db)

	a.Coordinator = issuance.NewCoordinator(records, projectRepo, ledgerClient, a.Notifier, issuance.Config{
		CallTimeout:    cfg.Issuance.CallTimeout,
		ReconcileGrace: cfg.Issuance.ReconcileGrace,
		SweepBatchSize: cfg.Issuance.SweepBatchSize,
		AlertTimeout:   cfg.Issuance.AlertTimeout,
	}, logger.Named("issuance"))
	a.Registry = projects.NewRegistry(projectRepo, a.Coordinator, logger.Named("projects"))
	a.Marketplace = marketplace.NewService(marketplace.NewRepository(db), ledgerClient, a.Notifier, marketplace.Config{
		VerifyConcurrency: cfg.Marketplace.VerifyConcurrency,
		ConflictRetryWait: cfg.Marketplace.ConflictRetryWait,
		ConflictRetryMax:  cfg.Marketplace.ConflictRetryMax,
	}, logger.Named("marketplace"))
	a.Verifier = verification.NewService(ledgerClient, projectRepo, logger.Named("verification"))

	return a, nil
}

// Router builds the HTTP surface
func (a *App) Router() (*gin.Engine, error) {
	authenticator, err := auth.NewAuthenticator(a.Config.Security.JWTSecret, a.Config.Security.Issuer)
	if err != nil {
		return nil, err
	}
	requireVerifier := authenticator.RequireRole(auth.RoleVerifier)
	requireBuyer := authenticator.RequireRole(auth.RoleBuyer)

	if a.Config.Logging.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.Logger), cors())

	api := router.Group("/api/v1")
	{
		auth.RegisterRoutes(api, auth.NewHandler(), authenticator)
		projects.NewHandler(a.Registry, a.Logger).RegisterRoutes(api, requireVerifier)
		issuance.NewHandler(a.Coordinator, a.Logger).RegisterRoutes(api, requireVerifier)
		marketplace.NewHandler(a.Marketplace, a.Logger).RegisterRoutes(api, requireBuyer, requireVerifier)
		verification.NewHandler(a.Verifier, a.Logger).RegisterRoutes(api)
	}
	router.GET("/ws/events", a.Events.ServeWS)

	router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if err := a.DB.PingContext(c.Request.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status,
			"timestamp":   time.Now(),
			"connections": a.Events.GetConnectionCount(),
		})
	})
	return router, nil
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
