package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/neboloop/framebridge/internal/config"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and list its locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", cfgFile)
			fmt.Fprintf(out, "listen %s, bridge endpoint %s\n", cfg.Server.Listen, cfg.Server.PublicURL)

			perLocation := make(map[string][]string)
			for _, r := range cfg.Registrations {
				perLocation[r.Location] = append(perLocation[r.Location], r.URL)
			}
			for _, loc := range cfg.Locations {
				at := "anchor " + loc.Anchor
				if loc.Before != "" {
					at = "before " + loc.Before
				}
				match := loc.Match
				if match == "" {
					match = "*"
				}
				fmt.Fprintf(out, "\n%s (%s, windows %s, layout %s)\n", loc.Name, at, match, describeLayout(loc.Layout))
				urls := perLocation[loc.Name]
				sort.Strings(urls)
				for _, u := range urls {
					fmt.Fprintf(out, "  - %s\n", u)
				}
			}
			return nil
		},
	}
}
