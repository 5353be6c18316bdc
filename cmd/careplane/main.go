package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careplane/careplane/internal/app"
	"github.com/careplane/careplane/internal/config"
	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/gateway"
	"github.com/careplane/careplane/internal/platform/logging"
	"github.com/careplane/careplane/internal/realtime"
	"github.com/careplane/careplane/internal/version"
)

const startupTimeout = 30 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func signIn(ctx context.Context, core *app.Core) {
	// A session remembered by the provider wins; fall back to credentials
	// from the environment.
	err := core.Resume(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrNoSession) {
		slog.Warn("Session resume failed, signing in", "error", err)
	}

	email := os.Getenv("CAREPLANE_EMAIL")
	password := os.Getenv("CAREPLANE_PASSWORD")
	if email == "" || password == "" {
		slog.Error("No resumable session and no CAREPLANE_EMAIL/CAREPLANE_PASSWORD set")
		os.Exit(1)
	}

	if err := core.SignIn(ctx, email, password); err != nil {
		slog.Error("Sign-in failed", "error", err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, core *app.Core, resource, filter string) *realtime.Handle {
	manager := core.Subscriptions()
	if manager == nil {
		slog.Info("No realtime URL configured, skipping subscription")
		return nil
	}

	if err := core.OpenRealtime(ctx); err != nil {
		slog.Error("Failed to open realtime connection", "error", err)
		os.Exit(1)
	}

	printEvent := func(e domain.Event) {
		fmt.Printf("%s %s %s\n", e.Kind, e.Resource, string(e.Payload))
	}
	handle, err := manager.Subscribe(ctx, resource, filter, nil, realtime.EventHandlers{
		OnInsert: printEvent,
		OnUpdate: printEvent,
		OnDelete: printEvent,
		OnStatus: func(status domain.ChannelStatus, err error) {
			slog.Info("Channel status changed", "status", status, "error", err)
		},
	})
	if err != nil {
		slog.Error("Subscription failed", "resource", resource, "error", err)
		os.Exit(1)
	}

	slog.Info("Watching resource", "resource", resource, "filter", filter)
	return handle
}

func fetchOnce(ctx context.Context, core *app.Core, resource string) {
	resp, err := core.Gateway().Execute(ctx, gateway.Request{
		Method:  "GET",
		Path:    "/rest/v1/" + resource,
		UseAuth: true,
	})
	if err != nil {
		slog.Error("Initial fetch failed", "resource", resource, "error", err)
		return
	}

	var rows []json.RawMessage
	if err := resp.DecodeJSON(&rows); err != nil {
		slog.Error("Initial fetch returned malformed body", "resource", resource, "error", err)
		return
	}
	slog.Info("Initial fetch complete", "resource", resource, "rows", len(rows))
}

func main() {
	resource := flag.String("resource", "appointments", "resource to fetch and watch")
	filter := flag.String("filter", "", "server-side filter expression, e.g. clinic_id=eq.1")
	flag.Parse()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "base_url", cfg.BaseURL, "version", version.Get().Version)

	core := app.New(cfg)
	core.OnForcedSignOut(func(reason string) {
		slog.Error("Signed out by the backend, please sign in again", "reason", reason)
	})

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	signIn(startupCtx, core)
	fetchOnce(startupCtx, core, *resource)
	handle := watch(startupCtx, core, *resource, *filter)
	cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("Shutdown signal received, cleaning up...")

	if handle != nil {
		core.Subscriptions().Unsubscribe(handle)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := core.SignOut(shutdownCtx); err != nil {
		slog.Error("Sign-out failed", "error", err)
	}
	core.Stop()
}
