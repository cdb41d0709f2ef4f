package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/interviewace/backend/internal/chat"
	"github.com/interviewace/backend/internal/config"
	"github.com/interviewace/backend/internal/database"
	"github.com/interviewace/backend/internal/ledger"
	mW "github.com/interviewace/backend/internal/middleware"
	"github.com/interviewace/backend/internal/orders"
	"github.com/interviewace/backend/internal/services"
	"github.com/interviewace/backend/internal/tasks"
	"github.com/interviewace/backend/internal/vlm"
	"github.com/interviewace/backend/internal/webhook"
)

// @title Metered Chat Backend API
// @version 1.0
// @description Balance-ledger backend with metered VLM chat and hosted checkout top-ups
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("jwt.expiry_hours", 72)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	billingCfg := config.LoadBillingConfig()
	vlmCfg := config.LoadVLMConfig()
	smsCfg := config.LoadSMSConfig()

	// Infrastructure: one Postgres pool and one Redis client, injected into
	// everything below.
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	// Core services
	balanceService := ledger.NewService(db)
	taskRegistry := tasks.NewRegistry(redisClient)

	gateway := orders.NewStripeGateway(
		os.Getenv("STRIPE_API_BASE"),
		os.Getenv("STRIPE_SECRET_KEY"),
	)
	orderService := orders.NewService(db, gateway, billingCfg.InviteDiscount)

	verifier := webhook.NewHMACVerifier(billingCfg.WebhookSecret, billingCfg.SignatureSkew)
	reconciler := webhook.NewReconciler(redisClient, balanceService, orderService, verifier, billingCfg.WebhookLivemode)

	vlmClient := vlm.NewClient(vlmCfg.BaseURL, vlmCfg.APIKey, vlmCfg.Model)
	chatService := chat.NewService(taskRegistry, balanceService, vlmClient,
		billingCfg.ChatCost, vlmCfg.UploadDir, vlmCfg.Throttle)

	// HTTP shell
	authService := services.NewAuthService(db, redisClient, balanceService.Store(), billingCfg.StartingBalance)
	smsService := services.NewSMSService(db, redisClient, balanceService.Store(), services.LogProvider{}, smsCfg, billingCfg.StartingBalance)
	accountService := services.NewAccountService(balanceService)
	orderHandlers := services.NewOrderService(orderService, services.DefaultProducts(),
		getEnvDefault("ORDER_CURRENCY", "usd"),
		getEnvDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/pay/success"),
		getEnvDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/pay/cancel"))
	uploadService := services.NewUploadService(vlmCfg.UploadDir)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Uploaded chat images
	r.Handle("/static/uploads/*", http.StripPrefix("/static/uploads/",
		mW.StaticFileServer(vlmCfg.UploadDir)))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/auth/sms/send", smsService.SendCode)
		r.Post("/auth/sms/verify", smsService.VerifyCode)

		// Payment gateway callback; authenticated by its signature.
		r.Post("/webhook/stripe", reconciler.HandleWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(redisClient))

			r.Get("/auth/account", authService.GetUserAccount)

			r.Get("/account/balance", accountService.GetBalance)
			r.Get("/account/transactions", accountService.GetTransactions)

			r.Get("/orders/products", orderHandlers.ListProducts)
			r.Post("/orders", orderHandlers.CreateOrder)
			r.Get("/orders/{orderNumber}", orderHandlers.GetOrder)

			r.Post("/chat/submit", chatService.Submit)
			r.Get("/chat/status/{taskID}", chatService.Status)
			r.Post("/chat/cancel/{taskID}", chatService.Cancel)
			r.Get("/chat/stream/{taskID}", chatService.Stream)

			r.Post("/upload/image", uploadService.UploadImage)

			r.Get("/webhook/events", reconciler.GetRecentEvents)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func getEnvDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
