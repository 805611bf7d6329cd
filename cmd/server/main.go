package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/loghive/backend/internal/api"
	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/queue"
	"github.com/loghive/backend/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Connect(cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if err := settings.Bootstrap(ctx, db); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	c, err := cache.Connect(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer c.Close()

	broker := queue.NewBroker(c.Client())
	server := api.NewServer(cfg, db, c, broker)

	go server.Hub().Run(ctx)

	if err := server.Run(ctx); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Println("server stopped")
}
