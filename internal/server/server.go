// Package server exposes the payment recovery engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/reclaim/internal/analytics"
	"github.com/smallbiznis/reclaim/internal/attempt"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"github.com/smallbiznis/reclaim/internal/config"
	"github.com/smallbiznis/reclaim/internal/dunning"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	"github.com/smallbiznis/reclaim/internal/gateway"
	"github.com/smallbiznis/reclaim/internal/grace"
	gracedomain "github.com/smallbiznis/reclaim/internal/grace/domain"
	"github.com/smallbiznis/reclaim/internal/monitor"
	"github.com/smallbiznis/reclaim/internal/notification"
	"github.com/smallbiznis/reclaim/internal/observability"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	"github.com/smallbiznis/reclaim/internal/recoverystats"
	statsdomain "github.com/smallbiznis/reclaim/internal/recoverystats/domain"
	"github.com/smallbiznis/reclaim/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(registerGin),
	attempt.Module,
	subscription.Module,
	gateway.Module,
	notification.Module,
	analytics.Module,
	monitor.Module,
	dunning.Module,
	grace.Module,
	recoverystats.Module,
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	dunningSvc       dunningdomain.Service
	graceSvc         gracedomain.Service
	statsSvc         statsdomain.Service
	attemptRepo      attemptdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	DunningSvc       dunningdomain.Service
	GraceSvc         gracedomain.Service
	StatsSvc         statsdomain.Service
	AttemptRepo      attemptdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		db:               p.DB,
		genID:            p.GenID,
		dunningSvc:       p.DunningSvc,
		graceSvc:         p.GraceSvc,
		statsSvc:         p.StatsSvc,
		attemptRepo:      p.AttemptRepo,
		subscriptionRepo: p.SubscriptionRepo,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterAdminRoutes()
}

// RegisterAPIRoutes mounts the tenant-facing dunning API.
func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1", s.OrgRequired())

	v1.POST("/dunning/retries", s.ScheduleRetry)
	v1.GET("/dunning/subscriptions/:subscription_id", s.GetSubscription)
	v1.GET("/dunning/subscriptions/:subscription_id/attempts", s.ListSubscriptionAttempts)
	v1.GET("/dunning/subscriptions/:subscription_id/stats", s.SubscriptionRecoveryStats)
	v1.POST("/dunning/subscriptions/:subscription_id/cancel-retries", s.CancelScheduledRetries)
	v1.GET("/dunning/invoices/:invoice_id/attempts", s.ListInvoiceAttempts)
	v1.GET("/dunning/stats", s.RecoveryStats)
}

// RegisterAdminRoutes mounts operator actions behind the admin token.
func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.POST("/dunning/process-retries", s.ProcessRetries)
	admin.POST("/dunning/grace-sweep", s.GraceSweep)
	admin.POST("/dunning/reconcile-stuck", s.ReconcileStuck)
}
