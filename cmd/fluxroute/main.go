// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/fluxroute/broker"
	"github.com/absmach/fluxroute/cluster"
	"github.com/absmach/fluxroute/config"
	"github.com/absmach/fluxroute/metrics"
	"github.com/absmach/fluxroute/storage"
	badgerstore "github.com/absmach/fluxroute/storage/badger"
	"github.com/absmach/fluxroute/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	otelShutdown, err := metrics.InitProvider(cfg.Otel, cfg.Node.ID)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cl, transport, cleanup, err := newCluster(cfg, logger)
	if err != nil {
		logger.Error("failed to set up cluster", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	b := broker.New(cfg, cl, store, transport, logger)
	if transport != nil {
		transport.SetHandler(b)
		if err := transport.Start(); err != nil {
			logger.Error("failed to start peer transport", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := b.Start(ctx); err != nil {
		cancel()
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}
	cancel()

	logger.Info("routing core started",
		slog.String("node", cfg.Node.ID),
		slog.Bool("clustered", cfg.Cluster.Enabled))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if transport != nil {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		transport.Stop(shutdownCtx)
		c()
	}
	if err := b.Close(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func newStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Retained.Storage == config.RetainedDurable {
		s, err := badgerstore.New(cfg.Retained.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return memory.New(), nil
}

func newCluster(cfg *config.Config, logger *slog.Logger) (cluster.Cluster, *cluster.Transport, func(), error) {
	if !cfg.Cluster.Enabled {
		return cluster.NewNoop(cfg.Node.ID), nil, func() {}, nil
	}

	endpoints := cfg.Cluster.Endpoints
	cleanup := func() {}
	if cfg.Cluster.Embed {
		embedded, clientURL, err := cluster.StartEmbedded(cluster.EmbedConfig{
			Name:       cfg.Node.ID,
			DataDir:    cfg.Cluster.DataDir,
			PeerAddr:   "0.0.0.0:2380",
			ClientAddr: "0.0.0.0:2379",
			Bootstrap:  true,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		endpoints = []string{clientURL}
		cleanup = embedded.Close
	}

	advertise := cfg.Cluster.PeerAdvertise
	if advertise == "" {
		advertise = cfg.Cluster.PeerBind
	}

	cl, err := cluster.NewEtcd(cluster.EtcdConfig{
		NodeID:       cfg.Node.ID,
		Addr:         advertise,
		Endpoints:    endpoints,
		HeartbeatTTL: cfg.Cluster.HeartbeatTTL,
		DialTimeout:  cfg.Cluster.DialTimeout,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	transport := cluster.NewTransport(cfg.Node.ID, cfg.Cluster.PeerBind, nil, logger)
	return cl, transport, cleanup, nil
}
