// The worker binary runs everything that happens off the request path: the
// Sigma detection queue, the notification queue, the threshold alert
// evaluator and periodic cleanup of expired OIDC state rows.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loghive/backend/internal/alerts"
	"github.com/loghive/backend/internal/cache"
	"github.com/loghive/backend/internal/config"
	"github.com/loghive/backend/internal/database"
	"github.com/loghive/backend/internal/detection"
	"github.com/loghive/backend/internal/queue"
)

const oidcStateTTL = 5 * time.Minute

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

	c, err := cache.Connect(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := queue.NewBroker(c.Client())
	detector := detection.NewWorker(db, broker)
	notifier := alerts.NewNotifier(db, cfg.SMTP)
	evaluator := alerts.NewEvaluator(db, broker, cfg.Worker.AlertEvalInterval)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(queue.NewWorker(broker, queue.Detection, cfg.Worker.DetectionConcurrency, detector.Handle).Run)
	run(queue.NewWorker(broker, queue.Notifications, cfg.Worker.NotificationConcurrency, notifier.Handle).Run)
	run(evaluator.Run)
	run(func(ctx context.Context) { pruneOidcStates(ctx, db) })

	log.Println("worker started")
	wg.Wait()
	log.Println("worker stopped")
}

func pruneOidcStates(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.OidcStates.PruneExpired(ctx, oidcStateTTL)
			if err != nil {
				log.Printf("oidc state prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("pruned %d expired oidc states", n)
			}
		}
	}
}
