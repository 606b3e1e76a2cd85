package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alansahai/csm-sjc/internal/audit"
	"github.com/alansahai/csm-sjc/internal/config"
	"github.com/alansahai/csm-sjc/internal/queue"
	"github.com/alansahai/csm-sjc/internal/store"
)

// Worker drains the audit queue into the activityLogs collection.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var st store.Store
	if cfg.StoreBackend == "memory" {
		log.Println("memory store has no shared state; audit entries will not be visible to the api process")
		st = store.NewMemory()
	} else {
		fs, err := store.NewFirestore(ctx, cfg.FirestoreProjectID, cfg.GoogleCredentialsFile)
		if err != nil {
			log.Fatalf("store connect failed: %v", err)
		}
		defer fs.Close()
		st = fs
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(queue.NewRedis(cfg.RedisAddr), cfg.AuditQueueKey)
	}

	writer := audit.NewWriter(st, q)
	log.Println("audit worker started, waiting for messages...")
	if err := writer.Run(ctx); err != nil {
		log.Fatalf("audit worker failed: %v", err)
	}
	log.Println("audit worker stopped")
}
