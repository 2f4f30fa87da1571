package handlers

import (
	"dream-forge-backend/internal/config"
	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/middleware"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Metrics   *metrics.Collector
	Pipelines *services.PipelineService
	Sessions  *services.SessionService
	Credits   *services.CreditService
	Orders    *services.OrderService
	Admin     *services.AdminService
	Hub       *events.Hub
	// Files is set only for the in-memory storage backend.
	Files  *storage.Memory
	Health map[string]Pinger
}

func NewRouter(d RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(d.Logger, d.Metrics))
	router.Use(middleware.Recovery(d.Logger))

	// Health check and metrics (no auth)
	router.GET("/health", NewHealthHandler(d.Health).Health)
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	if d.Files != nil {
		router.GET("/files/*key", NewFilesHandler(d.Files).GetFile)
	}

	// Webhook (no JWT, uses its own token)
	webhookHandler := NewWebhookHandler(d.Config.PaymentWebhookToken, d.Credits, d.Logger)
	router.POST("/api/v1/webhooks/payments", webhookHandler.HandlePayment)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(d.Config))

	pipelinesHandler := NewPipelinesHandler(d.Pipelines)
	api.POST("/pipelines", pipelinesHandler.CreatePipeline)
	api.GET("/pipelines", pipelinesHandler.ListPipelines)
	api.GET("/pipelines/:id", pipelinesHandler.GetPipeline)
	api.DELETE("/pipelines/:id", pipelinesHandler.Reset)
	api.POST("/pipelines/:id/images", pipelinesHandler.AddImage)
	api.PUT("/pipelines/:id/settings", pipelinesHandler.UpdateSettings)
	api.POST("/pipelines/:id/views", pipelinesHandler.StartViews)
	api.PUT("/pipelines/:id/views/:angle", pipelinesHandler.ReplaceView)
	api.POST("/pipelines/:id/mesh", pipelinesHandler.ProceedToMesh)
	api.POST("/pipelines/:id/texture", pipelinesHandler.AddTexture)
	api.POST("/pipelines/:id/retry", pipelinesHandler.Retry)

	sessionsHandler := NewSessionsHandler(d.Sessions)
	api.POST("/sessions", sessionsHandler.CreateSession)
	api.GET("/sessions/:id", sessionsHandler.GetSession)
	api.PUT("/sessions/:id/step", sessionsHandler.SetStep)
	api.PUT("/sessions/:id/source", sessionsHandler.SetSource)
	api.POST("/sessions/:id/views", sessionsHandler.UploadView)
	api.POST("/sessions/:id/generate-views", sessionsHandler.GenerateViews)
	api.POST("/sessions/:id/generate-model", sessionsHandler.GenerateModel)

	creditsHandler := NewCreditsHandler(d.Credits)
	api.GET("/credits", creditsHandler.GetBalance)
	api.GET("/credits/transactions", creditsHandler.ListTransactions)

	ordersHandler := NewOrdersHandler(d.Orders)
	api.POST("/orders", ordersHandler.CreateOrder)
	api.GET("/orders", ordersHandler.ListOrders)
	api.GET("/orders/:id", ordersHandler.GetOrder)
	api.POST("/orders/:id/cancel", ordersHandler.CancelOrder)
	api.GET("/addresses", ordersHandler.ListAddresses)

	api.GET("/events", NewEventsHandler(d.Hub).Stream)

	adminHandler := NewAdminHandler(d.Admin, d.Orders)
	admin := api.Group("/admin", middleware.AdminMiddleware())
	admin.POST("/credits/grant", adminHandler.GrantCredits)
	admin.POST("/credits/deduct", adminHandler.DeductCredits)
	admin.GET("/users", adminHandler.ListUsers)
	admin.GET("/users/:id/transactions", adminHandler.ListTransactions)
	admin.POST("/users/:id/reconcile", adminHandler.ReconcileBalance)
	admin.GET("/jobs", adminHandler.ListJobs)
	admin.GET("/providers/balance", adminHandler.ProviderBalance)
	admin.GET("/orders", adminHandler.ListOrders)
	admin.PUT("/orders/:id/status", adminHandler.UpdateOrderStatus)
	admin.PUT("/orders/:id/tracking", adminHandler.UpdateTracking)
	admin.POST("/pipelines/:id/mesh/analyze", adminHandler.AnalyzeMesh)
	admin.POST("/pipelines/:id/mesh/optimize", adminHandler.OptimizeMesh)

	return router
}
