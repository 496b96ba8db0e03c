package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/framebridge/internal/bridge"
	"github.com/neboloop/framebridge/internal/config"
	"github.com/neboloop/framebridge/internal/host/memdom"
	"github.com/neboloop/framebridge/internal/location"
	"github.com/neboloop/framebridge/internal/monitor"
	"github.com/neboloop/framebridge/internal/surface"
)

const (
	demoPage = `<html><body><div id="toolbar"></div><main id="content"><p>inbox</p></main></body></html>`
	demoURL  = "https://surfaces.example.com/toolbar"
)

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Mount a panel surface into an in-memory document and print each step",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(config.Default().Log)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), logger)
		},
	}
}

// runDemo mounts a toolbar panel, hides it from the surface side and
// removes it again, printing the host document after every step.
func runDemo(ctx context.Context, out io.Writer, logger *slog.Logger) error {
	dom := memdom.New()
	w, err := dom.Open(demoPage, memdom.WithURL("https://mail.example.com/inbox"))
	if err != nil {
		return err
	}

	mon := monitor.New(dom, monitor.WithLogger(logger))
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	surfaces := surface.NewHost(surface.WithLogger(logger))
	reg := location.NewRegistry(mon, location.WithLogger(logger))
	defer reg.RemoveAll(context.Background())

	h, err := location.Anchored(surfaces, location.AnchorSpec{
		Name:       "toolbar",
		URLPattern: "https://mail.example.com/**",
		Anchor:     "#toolbar",
		Layout:     location.PanelLayout(48),
	})
	if err != nil {
		return err
	}
	if err := reg.DefineLocation("toolbar", h); err != nil {
		return err
	}

	opts := location.Options{location.ContextOption: map[string]any{"folder": "inbox"}}
	if err := reg.Add(ctx, "toolbar", demoURL, opts); err != nil {
		return err
	}
	fmt.Fprintf(out, "mounted:\n%s\n\n", w.Doc().HTML())

	s := surfaces.Lookup(w, "toolbar", "", demoURL)
	if s == nil {
		return fmt.Errorf("surface for %s was not mounted", demoURL)
	}
	peer := bridge.New(w.Peer(s.Key()), bridge.WithLogger(logger))
	defer peer.Close()
	got, err := peer.Call(ctx, bridge.TypeGetContext, nil, time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "surface context: %s\n\n", got)
	if _, err := peer.Call(ctx, bridge.TypeSetLocalOptions, map[string]any{"hidden": true}, time.Second); err != nil {
		return err
	}
	fmt.Fprintf(out, "hidden by the surface:\n%s\n\n", w.Doc().HTML())

	if err := reg.Remove(ctx, "toolbar", demoURL); err != nil {
		return err
	}
	fmt.Fprintf(out, "removed:\n%s\n", w.Doc().HTML())
	return nil
}
