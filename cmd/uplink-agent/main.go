package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cribsense/uplink/api"
	"github.com/cribsense/uplink/identity"
	"github.com/cribsense/uplink/pipeline"
	"github.com/cribsense/uplink/socket"
	"github.com/cribsense/uplink/wire"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	apiURL := envOr("UPLINK_API", "http://localhost:8000")
	deviceID := os.Getenv("UPLINK_DEVICE_ID")
	token := os.Getenv("UPLINK_TOKEN")
	useHTTP3 := os.Getenv("UPLINK_HTTP3") != ""
	captureEvery, err := time.ParseDuration(envOr("UPLINK_CAPTURE_INTERVAL", "2s"))
	if err != nil {
		slog.Error("bad UPLINK_CAPTURE_INTERVAL", "error", err)
		os.Exit(1)
	}
	if deviceID == "" {
		slog.Error("UPLINK_DEVICE_ID is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	provider := identity.Static{DeviceID: deviceID, Token: token}

	client, err := api.New(api.Config{
		BaseURL:  apiURL,
		Token:    func() string { return token },
		UseHTTP3: useHTTP3,
	}, nil)
	if err != nil {
		slog.Error("failed to create API client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	mgr, err := socket.New(socket.Config{
		ServerURL: apiURL,
		Platform:  "agent",
		Version:   version,
	}, provider, nil)
	if err != nil {
		slog.Error("failed to create connection manager", "error", err)
		os.Exit(1)
	}

	pipe, err := pipeline.New(client, pipeline.Config{}, nil)
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	mgr.Handle(wire.TypeAck, func(in wire.Inbound) {
		slog.Info("registered with backend", "status", in.Ack.Status)
	})
	mgr.Handle(wire.TypeAlert, func(in wire.Inbound) {
		slog.Warn("alert",
			"alertType", in.Alert.AlertType,
			"severity", in.Alert.Severity,
			"confidence", in.Alert.Confidence,
			"sessionID", in.Alert.SessionID,
		)
	})
	mgr.Handle(wire.TypeMLResult, func(in wire.Inbound) {
		slog.Debug("ml result", "model", in.MLResult.ModelType, "sessionID", in.MLResult.SessionID)
	})
	mgr.Handle(wire.TypeError, func(in wire.Inbound) {
		slog.Error("backend error", "code", in.Err.Code, "message", in.Err.Message)
	})

	slog.Info("uplink agent starting",
		"version", version,
		"api", apiURL,
		"deviceID", deviceID,
		"http3", useHTTP3,
		"captureInterval", captureEvery,
	)

	if err := mgr.Connect(ctx); err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}

	sess, err := pipe.StartSession(ctx, deviceID)
	if err != nil {
		slog.Error("failed to start session", "error", err)
		mgr.Disconnect("startup failed")
		if errors.Is(err, api.ErrUnauthorized) {
			slog.Error("check UPLINK_TOKEN")
		}
		os.Exit(1)
	}
	slog.Info("streaming", "sessionID", sess.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return captureLoop(gctx, pipe, captureEvery)
	})
	g.Go(func() error {
		return statsLoop(gctx, mgr, pipe)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent error", "error", err)
	}

	// Teardown order matters: drain and release the session first, then
	// drop the control channel.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := pipe.EndSession(shutdownCtx); err != nil {
		slog.Warn("session teardown incomplete", "error", err)
	}
	mgr.Disconnect("shutdown")

	stats := pipe.Stats()
	slog.Info("uplink agent stopped",
		"uploaded", stats.Uploaded,
		"uploadedBytes", stats.UploadedBytes,
		"retries", stats.Retries,
	)
}

// statsLoop periodically logs delivery health for debugging sessions.
func statsLoop(ctx context.Context, mgr *socket.Manager, pipe *pipeline.Pipeline) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s := mgr.Stats()
			u := pipe.Stats()
			slog.Debug("health",
				"state", s.State,
				"uptimeMs", s.UptimeMs,
				"received", s.MessagesReceived,
				"uploaded", u.Uploaded,
				"queuedDrops", u.DroppedCapacity+u.DroppedRetry,
			)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
