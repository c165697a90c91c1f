package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docshare_backend/internal/config"
	"docshare_backend/internal/controller"
	"docshare_backend/internal/repository"
	"docshare_backend/internal/service"
	"docshare_backend/pkg/database"
	"docshare_backend/pkg/logger"
	"docshare_backend/pkg/monitoring"
	"docshare_backend/pkg/security"
	"docshare_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *gorm.DB
	Redis    *redis.Client
	services *services

	// CORSOrigins is shared with the CORS middleware so a config reload
	// takes effect on live traffic.
	CORSOrigins *security.AllowedOrigins

	stopSweep chan struct{}
}

type repositories struct {
	user     *repository.UserRepository
	resource *repository.ResourceRepository
	rating   *repository.RatingRepository
}

type services struct {
	auth     *service.AuthService
	storage  *service.StorageService
	resource *service.ResourceService
	rating   *service.RatingService
}

type controllers struct {
	auth     *controller.AuthController
	resource *controller.ResourceController
	health   *controller.HealthController
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:     repository.NewUserRepository(db),
		resource: repository.NewResourceRepository(db),
		rating:   repository.NewRatingRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.auth = service.NewAuthService(repos.user, cfg)
	s.resource = service.NewResourceService(repos.resource, repos.rating, s.storage, rdb, cfg)
	s.rating = service.NewRatingService(repos.rating, repos.resource)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB) *controllers {
	return &controllers{
		auth:     controller.NewAuthController(s.auth),
		resource: controller.NewResourceController(s.resource, s.rating),
		health:   controller.NewHealthController(db),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(a.CORSOrigins))
	router.Use(security.Secure())

	maxRequests := cfg.RateLimit.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1000
	}
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	router.Use(security.RateLimiter(maxRequests, window))

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks runs the storage reconciliation sweep. The ticker
// loop is sequential, so sweeps never overlap.
func (a *App) startBackgroundTasks(s *services) {
	interval := time.Duration(a.Config.Sync.SweepIntervalMinutes) * time.Minute

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopSweep:
				return
			case <-ticker.C:
				if _, err := s.resource.SweepUnsynced(context.Background()); err != nil {
					logger.Log.Error("storage sync sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		// Redis only backs the advisory download-url cache; the service
		// runs without it.
		logger.Log.Warn("Failed to initialize redis, url caching disabled", zap.Error(err))
		rdb = nil
	}

	app := &App{
		Config:      cfg,
		DB:          db,
		Redis:       rdb,
		CORSOrigins: security.NewAllowedOrigins(cfg.CORS.AllowedOrigins),
		stopSweep:   make(chan struct{}),
	}

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(services, db)

	monitoring.Init()

	gin.SetMode(ginMode(cfg.Server.Mode))
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		if _, err := tracing.InitTracer("docshare-backend", cfg.Tracing.CollectorEndpoint); err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.startBackgroundTasks(services)

	return app
}

func ginMode(mode string) string {
	switch mode {
	case "release":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	default:
		return gin.DebugMode
	}
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	close(a.stopSweep)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
