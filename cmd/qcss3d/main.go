// Command qcss3d runs the load balancer inventory daemon: the SNMP
// collector, the inventory API server and, when configured, the federation
// endpoint, in one process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qcss/qcss3/internal/buildinfo"
	"github.com/qcss/qcss3/internal/collector"
	"github.com/qcss/qcss3/internal/config"
	"github.com/qcss/qcss3/internal/meta"
	"github.com/qcss/qcss3/internal/snmp"
	"github.com/qcss/qcss3/internal/store"
	"github.com/qcss/qcss3/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	cfg, err := config.LoadRuntime(envCfg.ConfigFile)
	if err != nil {
		return err
	}
	log.Printf("qcss3d %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	for name, enabled := range map[string]bool{
		"database":  cfg.Database.Enabled,
		"collector": cfg.Collector.Enabled,
		"web":       cfg.Web.Enabled,
		"metaweb":   cfg.MetaWeb.Enabled,
	} {
		if !enabled {
			log.Printf("[main] service %s is disabled", name)
		}
	}

	if envCfg.LogSNMP {
		snmp.EnableWireLogging()
	}
	for name, community := range cfg.Collector.LB {
		if config.IsWeakCommunity(community.RW) {
			log.Printf("[main] device %q uses a weak read-write community", name)
		}
	}

	st, err := openStore(envCfg, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}
	if err := st.Upgrade(); err != nil {
		return err
	}
	if err := st.CheckConnectivity(); err != nil {
		return err
	}

	var disp *collector.Dispatcher
	var sched *cron.Cron
	if cfg.Collector.Enabled {
		disp, err = collector.NewDispatcher(collectorConfig(cfg.Collector), st)
		if err != nil {
			return err
		}
		defer disp.Close()

		sched = cron.New()
		sched.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := disp.Refresh(ctx, "", "", ""); err != nil {
				log.Printf("[main] scheduled refresh: %v", err)
			}
		})
		sched.Start()
	}

	errCh := make(chan error, 2)

	var webSrv *web.Server
	if cfg.Web.Enabled {
		var refresher web.Refresher
		if disp != nil {
			refresher = disp
		}
		webSrv = web.NewServer(cfg.Web.Interface, cfg.Web.Port, st, refresher)
		go func() {
			log.Printf("[main] inventory API listening on %s:%d", cfg.Web.Interface, cfg.Web.Port)
			if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	var metaSrv *meta.Server
	if cfg.MetaWeb.Enabled {
		fleet := meta.NewFleet(meta.Config{
			Proxies:  cfg.MetaWeb.Proxies,
			Timeout:  time.Duration(cfg.MetaWeb.Timeout) * time.Second,
			Parallel: cfg.MetaWeb.Parallel,
			Expire:   time.Duration(cfg.MetaWeb.Expire) * time.Second,
		})
		metaSrv = meta.NewServer(cfg.MetaWeb.Interface, cfg.MetaWeb.Port, fleet)
		go func() {
			log.Printf("[main] federation API listening on %s:%d", cfg.MetaWeb.Interface, cfg.MetaWeb.Port)
			if err := metaSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("[main] server error: %v", err)
	}

	if sched != nil {
		sched.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if webSrv != nil {
		if err := webSrv.Shutdown(ctx); err != nil {
			log.Printf("[main] inventory API shutdown: %v", err)
		}
	}
	if metaSrv != nil {
		if err := metaSrv.Shutdown(ctx); err != nil {
			log.Printf("[main] federation API shutdown: %v", err)
		}
	}
	log.Printf("[main] stopped")
	return nil
}

func openStore(envCfg *config.EnvConfig, cfg *config.Runtime) (*store.Store, error) {
	if cfg.Database.Enabled {
		return store.Open(store.Config{Driver: "postgres", DSN: cfg.Database.DSN()})
	}
	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		return nil, err
	}
	return store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(envCfg.StateDir, "qcss3.db")})
}

func collectorConfig(cfg config.CollectorConfig) collector.Config {
	devices := make(map[string]collector.Community, len(cfg.LB))
	for name, c := range cfg.LB {
		devices[name] = collector.Community{RO: c.RO, RW: c.RW}
	}
	return collector.Config{
		Devices: devices,
		Bulk:    cfg.Bulk,
		Expire:  cfg.Expire,
	}
}
