package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/pyropy/chunkbalancer/core/master"
	"github.com/pyropy/chunkbalancer/lib/logger"
	"github.com/pyropy/chunkbalancer/lib/metrics"
)

var log, _ = logger.New("configsvr")

func main() {
	if err := run(); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func run() error {
	cfg, err := core.GetConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "chunkbalancer")

	server, err := core.NewConfigServer(cfg, collector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if err := server.Close(); err != nil {
			log.Errorw("shutdown", "status", "catalog close failed", "error", err)
		}
	}()

	log.Infow("startup", "status", "recovering rebalance events")
	if err := server.Start(ctx); err != nil {
		return err
	}

	if err := rpc.Register(NewConfigServerAPI(ctx, server)); err != nil {
		return err
	}
	rpc.HandleHTTP()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Infow("startup", "error", "net listen failed")
		return err
	}

	log.Infow("startup", "status", "config server rpc started", "address", l.Addr().String())
	defer log.Infow("shutdown", "status", "config server rpc stopped", "address", l.Addr().String())
	go http.Serve(l, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics", "status", "metrics server failed", "error", err)
		}
	}()
	defer metricsServer.Close()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Infow("shutdown", "status", "config server stopping", "address", l.Addr().String())

	return nil
}
