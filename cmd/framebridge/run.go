package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/framebridge/internal/bridge/wsport"
	"github.com/neboloop/framebridge/internal/config"
	"github.com/neboloop/framebridge/internal/events"
	"github.com/neboloop/framebridge/internal/host"
	"github.com/neboloop/framebridge/internal/host/cdphost"
	"github.com/neboloop/framebridge/internal/location"
	"github.com/neboloop/framebridge/internal/monitor"
	"github.com/neboloop/framebridge/internal/server"
	"github.com/neboloop/framebridge/internal/surface"
)

func runCmd() *cobra.Command {
	var (
		headless bool
		cdpURL   string
		noWatch  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a browser and mount the configured surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.Chrome.Headless = headless
			}
			if cdpURL != "" {
				cfg.Chrome.CDPURL = cdpURL
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			watchPath := cfgFile
			if noWatch {
				watchPath = ""
			}
			return run(ctx, cfg, watchPath, logger)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run Chrome without a window")
	cmd.Flags().StringVar(&cdpURL, "cdp-url", "", "attach to a running browser at this DevTools url")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload registrations when the config file changes")
	return cmd
}

// run wires the browser, monitor, registry and server together and blocks
// until ctx is cancelled or a component fails. Registrations are reloaded
// from watchPath when it is set.
func run(ctx context.Context, cfg config.Config, watchPath string, logger *slog.Logger) error {
	hubOpts := []wsport.Option{wsport.WithLogger(logger)}
	if cfg.Server.RemoteAccess {
		hubOpts = append(hubOpts, wsport.WithRemoteAccess())
	}
	hub := wsport.NewHub(cfg.Server.PublicURL, hubOpts...)
	defer hub.Close()

	browser := cdphost.New(cdphost.Options{
		ExecPath:  cfg.Chrome.ExecPath,
		CDPURL:    cfg.Chrome.CDPURL,
		Headless:  cfg.Chrome.Headless,
		NoSandbox: cfg.Chrome.NoSandbox,
		StartURLs: cfg.Chrome.StartURLs,
		Ports:     hub.Open,
		Logger:    logger,
	})
	defer browser.Close()

	surfaces := surface.NewHost(
		surface.WithLogger(logger),
		surface.WithCallTimeout(cfg.Bridge.CallTimeout),
	)
	mon := monitor.New(browser,
		monitor.WithLogger(logger),
		monitor.WithFrameFilter(host.NewFrameFilter(cfg.Monitor.FrameTags)),
	)
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	subject := events.NewSubject(events.WithLogger(logger))
	defer events.Complete(subject)
	events.Subscribe(subject, events.TopicSurfaceMounted, func(_ context.Context, ev location.SurfaceEvent) error {
		logger.Info("surface mounted", "location", ev.Location, "url", ev.URL, "window", ev.Window.ID())
		return nil
	})
	events.Subscribe(subject, events.TopicSurfaceUnmounted, func(_ context.Context, ev location.SurfaceEvent) error {
		logger.Info("surface unmounted", "location", ev.Location, "url", ev.URL, "window", ev.Window.ID())
		return nil
	})

	reg := location.NewRegistry(mon, location.WithLogger(logger), location.WithEvents(subject))
	defer reg.RemoveAll(context.Background())
	if err := defineLocations(reg, surfaces, cfg.Locations); err != nil {
		return err
	}
	applyRegistrations(ctx, reg, nil, cfg.Registrations, logger)

	srv := server.New(cfg.Server.Listen, hub,
		server.WithLogger(logger),
		server.WithRegistry(reg),
		server.WithSurfaces(surfaces),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if err := browser.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	if watchPath != "" {
		current := cfg
		g.Go(func() error {
			return config.Watch(gctx, watchPath, logger, func(next config.Config) {
				if !reflect.DeepEqual(current.Locations, next.Locations) {
					logger.Warn("location changes take effect after a restart")
				}
				applyRegistrations(gctx, reg, current.Registrations, next.Registrations, logger)
				current = next
			})
		})
	}
	return g.Wait()
}

// applyRegistrations brings reg from prev to next. Registrations whose
// options changed are re-added, which remounts their surfaces.
func applyRegistrations(ctx context.Context, reg *location.Registry, prev, next []config.Registration, logger *slog.Logger) {
	added, removed := config.Diff(prev, next)
	for _, r := range removed {
		if err := reg.Remove(ctx, r.Location, r.URL); err != nil {
			logger.Warn("remove registration failed", "location", r.Location, "url", r.URL, "error", err)
		}
	}
	for _, r := range added {
		if err := reg.Add(ctx, r.Location, r.URL, location.Options(r.Options)); err != nil {
			logger.Warn("add registration failed", "location", r.Location, "url", r.URL, "error", err)
		}
	}
}
