package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reefbuddy/reefbuddy/internal/analysis"
	"github.com/reefbuddy/reefbuddy/internal/config"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"github.com/reefbuddy/reefbuddy/internal/observability"
	obsmiddleware "github.com/reefbuddy/reefbuddy/internal/observability/logger"
	obsmetrics "github.com/reefbuddy/reefbuddy/internal/observability/metrics"
	obstracing "github.com/reefbuddy/reefbuddy/internal/observability/tracing"
	"github.com/reefbuddy/reefbuddy/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	registerValidators()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		SkipPaths:       obsCfg.UntracedPaths,
		DeviceHashSalt:  obsCfg.DeviceHashSalt,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Engine       *gin.Engine
	Config       config.Config
	Entitlements entitlementdomain.Service
	Executor     analysis.Executor
	Guard        *ratelimit.Guard
	Metrics      *obsmetrics.Metrics `optional:"true"`
	DB           *gorm.DB            `optional:"true"`
	KV           kvstore.Store       `optional:"true"`
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	entitlements entitlementdomain.Service
	executor     analysis.Executor
	guard        *ratelimit.Guard
	obsMetrics   *obsmetrics.Metrics
	db           *gorm.DB
	kv           kvstore.Store
}

func NewServer(p Params) *Server {
	return &Server{
		engine:       p.Engine,
		cfg:          p.Config,
		entitlements: p.Entitlements,
		executor:     p.Executor,
		guard:        p.Guard,
		obsMetrics:   p.Metrics,
		db:           p.DB,
		kv:           p.KV,
	}
}

func (s *Server) RegisterRoutes() {
	r := s.engine

	r.GET("/health/ready", s.Ready)

	r.POST("/analyze", s.RateLimit(ratelimit.EndpointAnalyze), s.Analyze)

	credits := r.Group("/credits")
	credits.GET("/balance", s.RateLimit(ratelimit.EndpointBalance), s.GetBalance)
	credits.POST("/purchase", s.RateLimit(ratelimit.EndpointPurchase), s.SubmitPurchase)

	r.POST("/webhooks/stripe", s.RateLimit(ratelimit.EndpointWebhook), s.HandleStripeWebhook)
}

// Ready reports whether both backing stores answer.
func (s *Server) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	if s.db != nil {
		checks["database"] = "ok"
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			checks["database"] = "unavailable"
			ready = false
		}
	}
	if s.kv != nil {
		checks["kv"] = "ok"
		if err := s.kv.Ping(ctx); err != nil {
			checks["kv"] = "unavailable"
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
