package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lamarqe/mpdcast-dab/config"
	"github.com/Lamarqe/mpdcast-dab/internal/castbridge"
	"github.com/Lamarqe/mpdcast-dab/internal/dabdriver"
	"github.com/Lamarqe/mpdcast-dab/internal/httpapi"
	"github.com/Lamarqe/mpdcast-dab/internal/radiocontrol"
	"github.com/Lamarqe/mpdcast-dab/internal/scanner"
	"github.com/Lamarqe/mpdcast-dab/internal/tvheadend"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.MPDConfigError != nil {
		slog.Warn("mpd config unavailable, mpdcast disabled", "error", cfg.MPDConfigError)
	}

	slog.Info("starting dabcast",
		"port", cfg.Port,
		"conf", cfg.ConfPath,
		"local_ip", cfg.LocalIPv4,
		"dabserver", !cfg.DisableDABServer,
		"mpdcast", !cfg.DisableMPDCast,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	var dabOK, castOK bool

	var httpServer *http.Server

	if !cfg.DisableDABServer {
		device := dabdriver.NewSimDevice()
		radio := radiocontrol.New(device)
		scannerSvc := scanner.New(device)

		baseURL := fmt.Sprintf("http://%s:%d", cfg.LocalIPv4, cfg.Port)
		apiServer := httpapi.New(radio, scannerSvc, baseURL)

		httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: apiServer.Handler(),
		}

		go func() {
			if res, err := apiServer.RunScan(); err == nil {
				slog.Info("initial scan complete", "services", len(res.Services))
			} else {
				slog.Warn("initial scan failed", "error", err)
			}
		}()

		go func() {
			slog.Info("dab http surface listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("dab http surface failed", "error", err)
			}
		}()
		dabOK = true
	}

	if !cfg.DisableMPDCast {
		imageCache := castbridge.NewImageCache()
		var epg *tvheadend.Resolver
		if cfg.TVHeadendURL != "" {
			epg = tvheadend.New(cfg.TVHeadendURL)
		}
		mpdAddr := fmt.Sprintf("127.0.0.1:%d", cfg.MPD.MPDPort)
		publicBaseURL := fmt.Sprintf("http://%s:%d", cfg.LocalIPv4, cfg.MPD.StreamingPort)
		bridge := castbridge.New(cfg.MPD.DeviceName, mpdAddr, imageCache, epg, publicBaseURL)

		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("cast bridge exited", "error", err)
			}
		}()
		castOK = true
	}

	if !dabOK && !castOK {
		slog.Error("both dabserver and mpdcast disabled or failed to start, nothing to do")
		os.Exit(1)
	}

	<-ctx.Done()

	slog.Info("shutting down gracefully")
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	slog.Info("dabcast stopped")
}
