package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opositia/examprep/internal/fraud"
	"github.com/opositia/examprep/pkg/common"
	"github.com/opositia/examprep/pkg/config"
	"github.com/opositia/examprep/pkg/database"
	"github.com/opositia/examprep/pkg/logger"
	"github.com/opositia/examprep/pkg/middleware"
	"github.com/opositia/examprep/pkg/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load("admin")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Connect to PostgreSQL
	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(pool)
	log.Println("Connected to PostgreSQL database")

	// Connect to Redis
	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Connected to Redis")

	// Wire the fraud detection engine
	fraudCfg := fraud.DefaultConfig()
	fraudCfg.SessionWindowLimit = cfg.Fraud.SessionWindowLimit
	fraudCfg.CandidateWindowLimit = cfg.Fraud.CandidateWindowLimit
	fraudCfg.PerUserSessionLimit = cfg.Fraud.PerUserSessionLimit

	repo := fraud.NewRepository(pool)
	service := fraud.NewService(repo, repo, repo, fraudCfg)
	cache := fraud.NewReportCache(redisClient.Client, time.Duration(cfg.Fraud.ReportCacheTTL)*time.Minute)
	handler := fraud.NewHandler(service, cache)

	// Set up Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(cfg.Server.ServiceName))

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.Server.CORSOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	// Health check and metrics (no auth required)
	healthChecks := map[string]func() error{
		"postgres": func() error { return pool.Ping(context.Background()) },
		"redis":    func() error { return redisClient.Ping(context.Background()).Err() },
	}
	router.GET("/healthz", common.HealthCheckWithDeps(cfg.Server.ServiceName, "1.0.0", healthChecks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	admin := api.Group("/admin", middleware.AuthMiddleware(cfg.JWT.Secret), middleware.AdminOnly())
	{
		admin.GET("/fraud/report", handler.GetReport)
		admin.POST("/fraud/run", handler.RunDetection)
		admin.GET("/fraud/summary", handler.GetSummary)
		admin.GET("/fraud/confirmed", handler.GetConfirmedFraud)
		admin.GET("/fraud/premium-abuse", handler.GetPremiumAbuse)
	}

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Admin service starting on port %s", cfg.Server.Port)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
