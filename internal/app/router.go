package app

import (
	"docshare_backend/internal/config"
	"docshare_backend/internal/middleware"
	"docshare_backend/internal/model"
	"docshare_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)

		// 列表类：可选认证，游客只看已审核资源
		public.GET("/resources", middleware.TryAuthMiddleware(cfg), c.resource.List)
		public.GET("/resources/:id", middleware.TryAuthMiddleware(cfg), c.resource.Get)
	}

	authorized := router.Group("/api")
	authorized.Use(middleware.AuthMiddleware(cfg))
	{
		authorized.POST("/resources", c.resource.Upload)
		authorized.PUT("/resources/:id", c.resource.Update)
		authorized.DELETE("/resources/:id", c.resource.Delete)
		authorized.GET("/resources/:id/download", c.resource.Download)
		authorized.GET("/resources/mine/list", c.resource.MyUploads)

		authorized.POST("/resources/:id/rating", c.resource.Rate)
		authorized.GET("/resources/:id/rating", c.resource.GetRating)
	}

	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg), middleware.RoleMiddleware(model.RoleAdmin))
	{
		admin.GET("/resources/pending", c.resource.PendingReview)
		admin.POST("/resources/:id/review", c.resource.Review)
		admin.POST("/resources/:id/deactivate", c.resource.Deactivate)
		admin.POST("/resources/:id/reactivate", c.resource.Reactivate)
		admin.GET("/resources/:id/sync", c.resource.VerifySync)
	}
}
