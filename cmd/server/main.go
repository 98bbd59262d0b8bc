package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"tutora-provisioning/internal/codes"
	"tutora-provisioning/internal/metrics"
	"tutora-provisioning/internal/middleware"
	"tutora-provisioning/internal/notify"
	"tutora-provisioning/internal/provision"
	"tutora-provisioning/internal/store"
	"tutora-provisioning/internal/tenants"
	"tutora-provisioning/internal/webhooks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, continuing with environment variables")
	}

	// The signing secret is a critical configuration; the application should
	// not start without it.
	signingSecret := os.Getenv("BILLING_SIGNING_SECRET")
	if signingSecret == "" {
		logger.Error("BILLING_SIGNING_SECRET is not set. Application cannot start.")
		os.Exit(1)
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "provisioning.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Tenant directory: real service when configured, in-memory otherwise.
	var directory tenants.Directory
	if tenantURL := os.Getenv("TENANT_API_URL"); tenantURL != "" {
		directory = tenants.NewHTTPDirectory(tenantURL, os.Getenv("TENANT_API_TOKEN"))
	} else {
		logger.Warn("TENANT_API_URL not set, using in-memory tenant directory")
		directory = tenants.NewInMemoryDirectory()
	}

	// Notification sender: email API when configured, log-only otherwise.
	var sender notify.Sender
	if emailURL := os.Getenv("EMAIL_API_URL"); emailURL != "" {
		sender = notify.NewEmailAPISender(emailURL, os.Getenv("EMAIL_API_TOKEN"))
	} else {
		logger.Warn("EMAIL_API_URL not set, notifications will only be logged")
		sender = &notify.LogSender{Logger: logger}
	}

	const maxQueueSize = 100
	const numWorkers = 5
	dispatcher := notify.NewDispatcher(maxQueueSize, numWorkers, logger, sender)
	dispatcher.Start()

	generator := codes.NewGenerator(st)
	orchestrator := provision.New(logger, st, generator, directory, dispatcher, provision.Config{})
	webhookHandler := webhooks.NewHandler(logger, st, orchestrator)

	router := chi.NewRouter()
	router.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.VerifySignature(logger, signingSecret))
		r.Post("/billing", webhookHandler.HandleBillingWebhook)
	})
	router.Handle("/metrics", metrics.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	// Shut down the HTTP server first so no new work arrives, then drain
	// the notification dispatcher.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	dispatcher.Stop()

	logger.Info("Server exited gracefully")
}
