// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command caesar-relay runs the rendezvous and opaque-forwarding
// service that pairs senders with receivers by transfer name.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/internal/corelog"
	"github.com/PatrykHegenberg/caesar-transfer/relay"
	"github.com/PatrykHegenberg/caesar-transfer/relay/metrics"
	"github.com/PatrykHegenberg/caesar-transfer/relay/ratelimit"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "c", "", "configuration file")
	rateLimitDB := flag.String("ratelimit-db", "", "bbolt database path for join rate limiting (empty disables it)")
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logBackend, err := corelog.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("caesar-relay")

	var limiter relay.Limiter
	if *rateLimitDB != "" {
		l, err := ratelimit.Open(*rateLimitDB, 20, time.Minute)
		if err != nil {
			log.Errorf("open ratelimit db: %v", err)
			os.Exit(1)
		}
		defer l.Close()
		limiter = l
	}

	registry := relay.NewRegistry()
	svc := relay.NewService(registry, limiter, logBackend)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			log.Warningf("upgrade failed: %v", err)
			return
		}
		svc.HandleConn(r.Context(), conn, r.RemoteAddr)
	})

	server := &http.Server{Addr: cfg.ListenNetAddr(), Handler: mux}

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer metricsServer.Close()
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-haltCh
		log.Noticef("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Noticef("listening on %s", cfg.ListenNetAddr())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("listen: %v", err)
		os.Exit(1)
	}
}
