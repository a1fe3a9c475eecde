// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/qbridge/adapter"
	"github.com/absmach/qbridge/backend"
	badgerBackend "github.com/absmach/qbridge/backend/badger"
	"github.com/absmach/qbridge/backend/memory"
	redisBackend "github.com/absmach/qbridge/backend/redis"
	"github.com/absmach/qbridge/config"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Log)

	client, err := buildBackend(cfg)
	if err != nil {
		logger.Error("Failed to initialize queue backend", "error", err)
		os.Exit(1)
	}

	var failure adapter.FailureHandler
	switch cfg.Failure.Policy {
	case "webhook":
		failure = adapter.NewWebhookHandler(cfg.Failure.WebhookURL, cfg.Failure.WebhookTimeout, logger)
	default:
		failure = adapter.NewLogHandler(logger)
	}

	factory, err := adapter.NewFactory(cfg.ToAdapterConfig(), client, failure, logger)
	if err != nil {
		logger.Error("Failed to build adapter", "error", err)
		os.Exit(1)
	}

	factory.StartPullers()
	logger.Info("qbridge started",
		slog.String("backend", cfg.Backend.Type),
		slog.Int("queues", cfg.Adapter.Queues))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Shutting down", slog.String("signal", sig.String()))
	if err := factory.Stop(); err != nil {
		logger.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func buildBackend(cfg *config.Config) (backend.Client, error) {
	switch cfg.Backend.Type {
	case "badger":
		return badgerBackend.Open(cfg.Backend.BadgerDir)
	case "redis":
		return redisBackend.New(redisBackend.Config{
			Addr:              cfg.Backend.Redis.Addr,
			StreamPrefix:      cfg.Backend.Redis.StreamPrefix,
			Group:             cfg.Backend.Redis.Group,
			Consumer:          cfg.Backend.Redis.Consumer,
			CompressThreshold: cfg.Backend.Redis.CompressThreshold,
			DialTimeout:       cfg.Backend.Redis.DialTimeout,
			ReadTimeout:       cfg.Backend.Redis.ReadTimeout,
			WriteTimeout:      cfg.Backend.Redis.WriteTimeout,
		})
	default:
		return memory.New(), nil
	}
}
