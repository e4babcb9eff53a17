// Command xxfuncd runs the module host: it opens the registry, starts the
// worker pool and scheduler, wires a notification source, and serves the
// control API until signaled.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/config"
	"github.com/xxfunc/xxfunc/pkg/controlapi"
	"github.com/xxfunc/xxfunc/pkg/hostlog"
	"github.com/xxfunc/xxfunc/pkg/notifysource"
	"github.com/xxfunc/xxfunc/pkg/registry"
	"github.com/xxfunc/xxfunc/pkg/sandbox"
	"github.com/xxfunc/xxfunc/pkg/scheduler"
	"github.com/xxfunc/xxfunc/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults are used if omitted)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("xxfuncd: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		log.Fatalf("xxfuncd: invalid config: %v", errs)
	}

	logger := hostlog.New(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.Error(hostlog.ComponentRegistry, "failed to open registry", zap.Error(err))
		log.Fatalf("xxfuncd: %v", err)
	}
	defer reg.Close()

	var sandboxOpts []sandbox.Option
	if cfg.PreopenHostDir != "" {
		sandboxOpts = append(sandboxOpts, sandbox.WithPreopenDir(cfg.PreopenHostDir, cfg.PreopenGuestDir))
	}
	host, err := sandbox.NewHost(logger, cfg.ModuleCacheSize, sandboxOpts...)
	if err != nil {
		logger.Error(hostlog.ComponentSandbox, "failed to start sandbox host", zap.Error(err))
		log.Fatalf("xxfuncd: %v", err)
	}
	defer host.Close(context.Background())
	reg.OnDelete(host.Invalidate)

	pool := workerpool.New(ctx, cfg.WorkerCount, logger)
	defer pool.Close()

	sched := scheduler.New(reg, host, pool, logger)

	var source notifysource.Source
	switch cfg.NotificationSource {
	case "websocket":
		source = notifysource.NewWSSource(ctx, cfg.NotificationSourceURL, logger)
	default:
		source = notifysource.NewChanSource(make(chan scheduler.Notification))
	}
	defer source.Close()

	go sched.Run(ctx, source.Notifications())

	api := controlapi.New(reg, logger)
	server := &http.Server{Addr: cfg.ControlAPIListenAddr, Handler: api}

	go func() {
		logger.Info(hostlog.ComponentControlAPI, "control API listening", zap.String("addr", cfg.ControlAPIListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(hostlog.ComponentControlAPI, "control API server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info(hostlog.ComponentControlAPI, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DefaultTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
