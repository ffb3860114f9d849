package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/studyshelf/studyshelf-api/api/swagger"
	"github.com/studyshelf/studyshelf-api/internal/handler"
	"github.com/studyshelf/studyshelf-api/internal/middleware"
	"github.com/studyshelf/studyshelf-api/internal/repository"
	"github.com/studyshelf/studyshelf-api/internal/service"
	"github.com/studyshelf/studyshelf-api/pkg/cache"
	"github.com/studyshelf/studyshelf-api/pkg/config"
	"github.com/studyshelf/studyshelf-api/pkg/database"
	"github.com/studyshelf/studyshelf-api/pkg/logger"
	corsmiddleware "github.com/studyshelf/studyshelf-api/pkg/middleware/cors"
	reqidmiddleware "github.com/studyshelf/studyshelf-api/pkg/middleware/requestid"
	"github.com/studyshelf/studyshelf-api/pkg/storage"
)

// @title StudyShelf API
// @version 1.0.0
// @description Course material sharing service
// @BasePath /
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
	defer db.Close() //nolint:errcheck

	blobs, err := storage.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init blob storage", "error", err)
	}

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, continuing without cache", zap.Error(err))
		} else {
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
		}
	}

	userRepo := repository.NewUserRepository(db)
	materialRepo := repository.NewMaterialRepository(db)
	signer := storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL)

	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		Secret:        cfg.JWT.Secret,
		Expiry:        cfg.JWT.Expiration,
		Issuer:        cfg.JWT.Issuer,
		AdminEmail:    cfg.Admin.Email,
		AdminPassword: cfg.Admin.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := authSvc.EnsureAdmin(ctx); err != nil {
		logr.Warn("failed to provision bootstrap admin", zap.Error(err))
	}
	cancel()

	materialSvc := service.NewMaterialService(materialRepo, blobs, signer, userRepo, cacheSvc, metricsSvc, logr, service.MaterialServiceConfig{
		MaxFileSize:  cfg.Storage.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Storage.AllowedMIMEs,
		APIPrefix:    cfg.APIPrefix,
	})

	authHandler := handler.NewAuthHandler(authSvc)
	materialHandler := handler.NewMaterialHandler(materialSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/health", metricsHandler.Health)
	api.POST("/register", authHandler.Register)
	api.POST("/login", authHandler.Login)
	api.GET("/files", materialHandler.List)
	api.GET("/files/:id/download", materialHandler.DownloadSigned)

	protected := api.Group("", middleware.JWT(authSvc))
	protected.POST("/files/upload", materialHandler.Upload)
	protected.GET("/files/:id", materialHandler.Get)
	protected.DELETE("/files/:id", materialHandler.Delete)
	protected.GET("/download/:filename", materialHandler.Download)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
