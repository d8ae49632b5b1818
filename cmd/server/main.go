/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the investment payout engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment config
  2. Initialize SQLite store
  3. Build notifier (SMTP in production, log sender otherwise)
  4. Assemble the payout engine and its run lease
  5. Start the cron trigger driver
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections, drain requests (30s timeout)
  3. Drain the notification queue
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payout.db"

  # Fast cycles for a demo (every 2 minutes, dev env only)
  PAYOUT_FAST_INTERVAL_MINUTES=2 ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Cron trigger driver
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/investment-engine/api"
	"github.com/warp/investment-engine/config"
	"github.com/warp/investment-engine/invest"
	"github.com/warp/investment-engine/notify"
	"github.com/warp/investment-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags override env config
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()

	if cfg.IsProduction() && cfg.Server.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set in production")
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Notifier: SMTP when configured, otherwise log-only
	var sender notify.Sender = notify.LogSender{}
	if cfg.SMTP.Host != "" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			AppName:  cfg.SMTP.AppName,
		})
		log.Printf("[Main] SMTP notifications enabled via %s", cfg.SMTP.Host)
	} else {
		log.Println("[Main] SMTP not configured, notices go to the log")
	}
	queue := notify.NewQueue(sender)
	queue.Start()

	// Payout engine
	engine := &invest.Engine{
		Positions:     store,
		Plans:         store,
		Users:         store,
		Books:         store,
		Runs:          store,
		Notifier:      queue,
		Lease:         invest.NewRunLease("payout-run", cfg.Payout.LeaseTTL),
		OperatorEmail: cfg.Payout.OperatorEmail,
		Workers:       cfg.Payout.Workers,
	}

	// Timers: daily always; fast only outside production
	fastInterval := time.Duration(cfg.Payout.FastIntervalMinutes) * time.Minute
	if cfg.IsProduction() {
		fastInterval = 0
	}
	scheduler := api.NewScheduler(engine, cfg.Payout.DailySpec, fastInterval)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// HTTP server
	handler := api.NewHandler(store, engine)
	router := api.NewRouter(handler, cfg.Server.JWTSecret)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%s", *port)
		log.Printf("📊 API available at http://localhost:%s/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	queue.Stop()

	log.Println("Server stopped")
}
