// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threadchat-go/internal/config"
	"threadchat-go/internal/handler"
	"threadchat-go/internal/middleware"
	"threadchat-go/internal/model"
	"threadchat-go/internal/repository"
	"threadchat-go/internal/service"
	"threadchat-go/internal/webhook"
	"threadchat-go/pkg/database"
	"threadchat-go/pkg/es"
	"threadchat-go/pkg/kafka"
	"threadchat-go/pkg/llm"
	"threadchat-go/pkg/log"
	"threadchat-go/pkg/storage"
	"threadchat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 解析聊天存储后端并初始化数据库
	backend, err := repository.ParseBackend(cfg.Database.Backend)
	if err != nil {
		log.Fatalf("无效的 database.backend 配置: %v", err)
	}
	switch backend {
	case repository.BackendPostgres:
		database.InitPostgres(cfg.Database.Postgres.DSN)
	case repository.BackendSQLite:
		database.InitSQLite(cfg.Database.SQLite.Path)
	}
	// SQLite 模式下聊天表由仓储在首次使用时自建，其余业务表统一迁移
	if err := model.Migrate(database.DB, backend == repository.BackendPostgres); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	// 4. 初始化外围基础设施。SQLite 单机模式允许不配置这些组件。
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	}
	if cfg.MinIO.Endpoint != "" {
		storage.InitMinIO(cfg.MinIO)
	}
	esEnabled := cfg.Elasticsearch.Addresses != ""
	if esEnabled {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Fatalf("es 初始化失败: %v", err)
		}
	}
	kafkaEnabled := cfg.Kafka.Brokers != ""
	if kafkaEnabled {
		kafka.InitProducer(cfg.Kafka)
	}

	// 5. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	webhookRepo := repository.NewWebhookRepository(database.DB)
	attachmentRepo := repository.NewAttachmentRepository(database.DB)
	chatRepoFactory := repository.NewChatRepositoryFactory(backend, database.DB)

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	userService := service.NewUserService(userRepository, jwtManager)
	titleService := service.NewTitleService(llmClient)
	chatService := service.NewChatService(chatRepoFactory, llmClient, titleService)
	webhookService := service.NewWebhookService(webhookRepo)
	exportService := service.NewExportService(chatService)
	searchService := service.NewSearchService()
	attachmentService := service.NewAttachmentService(attachmentRepo, chatService)

	// 7. 启动后台 Kafka 消费者：Webhook 分发 + 搜索索引维护
	if kafkaEnabled {
		dispatcher := webhook.NewDispatcher(webhookRepo, esEnabled)
		go kafka.StartConsumer(cfg.Kafka, cfg.Webhook.MaxAttempts, dispatcher)
	}

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	userHandler := handler.NewUserHandler(userService)
	threadHandler := handler.NewThreadHandler(chatService)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)
	webhookHandler := handler.NewWebhookHandler(webhookService)
	exportHandler := handler.NewExportHandler(exportService)
	searchHandler := handler.NewSearchHandler(searchService)
	attachmentHandler := handler.NewAttachmentHandler(attachmentService)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", userHandler.RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Thread 路由组，需要认证
		threads := apiV1.Group("/threads")
		threads.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			threads.POST("", threadHandler.CreateThread)
			threads.POST("/chat", threadHandler.StartChat)
			threads.GET("/:id", threadHandler.GetThread)
			threads.POST("/:id/chat", threadHandler.Chat)
			threads.GET("/:id/messages", threadHandler.GetMessages)
			threads.POST("/:id/messages", threadHandler.AddMessage)
			threads.GET("/:id/export", exportHandler.Export)
			threads.POST("/:id/attachments", attachmentHandler.Upload)
			threads.GET("/:id/attachments", attachmentHandler.List)
		}

		// Attachment 下载
		attachments := apiV1.Group("/attachments")
		attachments.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			attachments.GET("/:attachmentId/download", attachmentHandler.Download)
		}

		// Search 路由组
		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			search.GET("/messages", searchHandler.Search)
		}

		// Chat 路由 (WebSocket)
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}
		r.GET("/chat/:token", chatHandler.Handle)

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager, userService), middleware.AdminAuthMiddleware())
		{
			webhooks := admin.Group("/webhooks")
			{
				webhooks.POST("", webhookHandler.Create)
				webhooks.GET("", webhookHandler.List)
				webhooks.PUT("/:id/active", webhookHandler.SetActive)
				webhooks.DELETE("/:id", webhookHandler.Delete)
			}
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
