package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/dealgrid/dealgrid-api/api/swagger"
	"github.com/dealgrid/dealgrid-api/internal/audit"
	"github.com/dealgrid/dealgrid-api/internal/handler"
	"github.com/dealgrid/dealgrid-api/internal/middleware"
	"github.com/dealgrid/dealgrid-api/internal/models"
	"github.com/dealgrid/dealgrid-api/internal/repository"
	"github.com/dealgrid/dealgrid-api/internal/service"
	"github.com/dealgrid/dealgrid-api/pkg/cache"
	"github.com/dealgrid/dealgrid-api/pkg/config"
	"github.com/dealgrid/dealgrid-api/pkg/database"
	"github.com/dealgrid/dealgrid-api/pkg/logger"
	corsmiddleware "github.com/dealgrid/dealgrid-api/pkg/middleware/cors"
	reqidmiddleware "github.com/dealgrid/dealgrid-api/pkg/middleware/requestid"
	"github.com/dealgrid/dealgrid-api/pkg/tier"
)

// @title DealGrid API
// @version 1.0.0
// @description Authentication and tiered authorization service for the DealGrid CRM
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	metrics := service.NewMetricsService()
	userRepo := repository.NewUserRepository(db, metrics)

	sink := audit.NewSink(userRepo, logr, audit.Config{})
	defer sink.Close()

	validate := validator.New()
	authService := service.NewAuthService(userRepo, validate, logr, sink, metrics, service.AuthConfig{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		Issuer:             cfg.Auth.Issuer,
		LockoutThreshold:   cfg.Auth.LockoutThreshold,
		LockoutDuration:    cfg.Auth.LockoutDuration,
		InternalAccessCode: cfg.Auth.InternalAccessCode,
	})

	limiter := service.NewRedisAttemptLimiter(redisClient, cfg.TwoFactor.MaxAttempts, cfg.TwoFactor.AttemptWindow)
	twoFactorService := service.NewTwoFactorService(userRepo, authService, limiter, logr, sink, metrics, cfg.TwoFactor.Issuer)

	tiers := tier.Default()
	cookies := middleware.CookieConfig{
		Domain:     cfg.Auth.CookieDomain,
		Secure:     cfg.Env == config.EnvProduction,
		AccessTTL:  cfg.Auth.AccessTokenExpiry,
		RefreshTTL: cfg.Auth.RefreshTokenExpiry,
	}

	authHandler := handler.NewAuthHandler(authService, cookies)
	twoFactorHandler := handler.NewTwoFactorHandler(twoFactorService, cookies)
	tierHandler := handler.NewTierHandler(tiers)
	metricsHandler := handler.NewMetricsHandler(metrics, db, redisClient)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		protected := auth.Group("")
		protected.Use(middleware.Auth(authService, cookies))
		{
			protected.POST("/logout", authHandler.Logout)
			protected.GET("/me", authHandler.Me)
			protected.GET("/tiers", middleware.AuditTrail(sink, models.AuditActionTierViewed, "tier"), tierHandler.List)
			protected.POST("/2fa/setup", twoFactorHandler.Setup)
			protected.POST("/2fa/verify", twoFactorHandler.Verify)

			verified := protected.Group("")
			verified.Use(middleware.Require2FA())
			{
				verified.POST("/change-password", authHandler.ChangePassword)
			}
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
