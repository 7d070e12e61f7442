// Package main implements the Dive Control Server entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dive-control/dcs/internal/api"
	"github.com/dive-control/dcs/internal/ascent"
	"github.com/dive-control/dcs/internal/audit"
	"github.com/dive-control/dcs/internal/auth"
	"github.com/dive-control/dcs/internal/config"
	"github.com/dive-control/dcs/internal/descent"
	"github.com/dive-control/dcs/internal/ingest"
	"github.com/dive-control/dcs/internal/queue"
	"github.com/dive-control/dcs/internal/store"
)

const Version = "1.0.0"

func main() {
	log.Printf("Starting Dive Control Server v%s", Version)

	// Step 1: Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("Configuration loaded successfully")

	// Step 2: Open storage and run migrations
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Printf("Store opened at %s", cfg.DatabasePath)

	// Step 3: Initialize audit trail
	trail, err := audit.NewTrail(st, cfg.AuditDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Fatalf("Failed to initialize audit trail: %v", err)
	}
	defer trail.Close()
	log.Println("Audit trail initialized")

	// Step 4: Build the message processors
	cmdQueue := queue.New(st, trail, cfg.CommandTimeout)
	ingestor := ingest.New(st, cmdQueue, trail, cfg.NextHbSeconds)
	gatekeeper := descent.New(st, cmdQueue, trail)
	finalizer := ascent.New(st, cmdQueue, trail)
	log.Println("Message processors initialized")

	// Step 5: Operator auth (disabled without a secret)
	var authMW *auth.Middleware
	if cfg.AuthSecret != "" {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Algorithm: "HS256",
			SecretKey: cfg.AuthSecret,
		})
		if err != nil {
			log.Fatalf("Failed to initialize auth verifier: %v", err)
		}
		authMW = auth.NewMiddleware(verifier)
		log.Println("Operator authentication enabled")
	} else {
		log.Println("Operator authentication disabled (no secret configured)")
	}

	// Step 6: Create API server
	server := api.NewServer(api.Config{
		Store:           st,
		Ingestor:        ingestor,
		Gatekeeper:      gatekeeper,
		Finalizer:       finalizer,
		Queue:           cmdQueue,
		AuthMW:          authMW,
		OnlineThreshold: cfg.OnlineThreshold,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
	})
	log.Println("API server created")

	// Step 7: Start HTTP server
	log.Printf("Starting HTTP server on %s", cfg.Addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Addr); err != nil {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	// Step 8: Wait for shutdown signal or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Dive Control Server stopped")
}
