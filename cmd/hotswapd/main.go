package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/hotswap-proxy/hotswap"
	"github.com/hotswap-proxy/hotswap/proxy"
)

const upgradeEnv = "HOTSWAPD_UPGRADE"

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	upgrade := flag.Bool("upgrade", os.Getenv(upgradeEnv) == "1",
		"inherit listening sockets from a running hotswapd")
	flag.Parse()

	l := log15.New("app", "hotswapd")
	cfg, err := loadConfig(*configPath)
	if err != nil {
		l.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	lvl, err := log15.LvlFromString(cfg.LogLevel)
	if err != nil {
		l.Error("invalid log level", "level", cfg.LogLevel, "err", err)
		os.Exit(1)
	}
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StdoutHandler))

	if err := run(l, cfg, *upgrade); err != nil {
		l.Error("hotswapd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(l log15.Logger, cfg Config, upgrade bool) error {
	ctx := context.Background()

	upg, err := hotswap.New(cfg.UpgradeSock, hotswap.WithLogger(l))
	if err != nil {
		return err
	}

	if upgrade {
		// Blocks until the outgoing process hands its sockets over.
		if err := upg.Receive(ctx); err != nil {
			l.Warn("no descriptors inherited, starting with fresh listeners", "err", err)
		}
	}

	ln, err := upg.Fds.Listen(ctx, "tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	if err := upg.Ready(); err != nil {
		return err
	}

	srv := proxy.NewServer(l, proxy.NewHandler(l, time.Duration(cfg.UpstreamTimeout)))

	var g errgroup.Group
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigC)

	wait:
		for {
			select {
			case sig := <-sigC:
				if sig == syscall.SIGUSR2 {
					l.Info("received upgrade signal")
					// Handoff blocks through its retry policy; this
					// goroutine is off the serving path. Success surfaces
					// via UpgradeComplete below.
					if err := upg.Handoff(); err != nil {
						l.Error("handoff failed, continuing to serve", "err", err)
					}
					continue
				}
				l.Info("received shutdown signal", "signal", sig.String())
				break wait
			case <-upg.UpgradeComplete():
				l.Info("successor has taken over, draining")
				break wait
			}
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ShutdownTimeout))
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		upg.Stop()
		return err
	})
	return g.Wait()
}
