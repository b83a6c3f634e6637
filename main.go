package main

import (
	"log"
	"os"
	"strconv"

	"captrade/broker"
	"captrade/config"
	"captrade/handlers"
	"captrade/middleware"
	"captrade/notify"
	"captrade/service"
	"captrade/storage"
	"captrade/syncer"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("CAPTRADE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	brokerClient := broker.NewRESTClient(cfg.Broker.BaseURL, cfg.Broker.APIKey)
	notifier := notify.LogNotifier{}

	syncCfg := syncer.Config{
		MaxConcurrent: cfg.Broker.MaxConcurrentCalls,
		Confirm: syncer.ConfirmConfig{
			PollInterval: cfg.PollInterval(),
			Timeout:      cfg.ConfirmTimeout(),
		},
	}
	replicator := syncer.NewReplicator(store, brokerClient, notifier, syncCfg)
	settler := syncer.NewSettler(store, brokerClient, notifier, syncCfg)

	svc := service.NewService(store, cfg, notifier, replicator, settler)

	// Set up router
	r := gin.Default()

	// Initialize handlers
	h := handlers.NewHandler(cfg, svc)

	// Webhooks authenticate via signature, not basic auth
	r.POST("/webhooks/payments", h.PaymentWebhook)

	api := r.Group("/api", middleware.BasicAuth(), middleware.ValidateQueryParams())
	api.GET("/feed/:followerId", middleware.ValidateFollowerID(), h.GetFeed)
	api.GET("/follows/:followerId", middleware.ValidateFollowerID(), h.GetFollows)
	api.POST("/trades", h.CreateTrade)
	api.GET("/trades/:id", h.GetTrade)
	api.POST("/trades/:id/actions", h.RecordAction)
	api.POST("/trades/:id/fills", h.RecordFill)

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	log.Printf("Server starting on http://localhost:%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
