/*
Package main is the entry point for the sspac command-line application.

sspac turns the GFWList (an adblock-syntax list of blocked sites) plus a user override
list into a proxy auto-config (PAC) script that sends listed domains through a local
SOCKS5 proxy and everything else direct.

Subcommands:
  - `update`: fetch the upstream list and regenerate when it changed.
  - `generate`: regenerate from the cached upstream list and current user rules.
  - `fetch-list`: download the upstream list to a file without generating.
  - `lookup`: show how hosts would be routed.
  - `explain`: show how individual rule lines are classified.
  - `watch`: regenerate whenever the user rules file changes.
  - `serve`: serve the PAC file over HTTP, updating it in the background.

Configuration lives in a YAML or TOML file (see --config). Graceful shutdown is handled via
context cancellation triggered by OS signals (SIGINT, SIGTERM).
*/
package main

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/sspac/internal/client"
	"github.com/x-stp/sspac/internal/config"
	"github.com/x-stp/sspac/internal/core"
	"github.com/x-stp/sspac/internal/metrics"
	"github.com/x-stp/sspac/internal/pac"
	"github.com/x-stp/sspac/internal/rules"
	"github.com/x-stp/sspac/internal/server"
	"github.com/x-stp/sspac/internal/source"
	"github.com/x-stp/sspac/internal/updater"
	"github.com/x-stp/sspac/internal/util"
)

// Global flags (persistent across commands)
var (
	configPath  string
	metricsAddr string
	debug       bool
)

// Command-specific flags
var (
	forceUpdate  bool
	fetchOutput  string
	lookupRemote bool
	serveAddr    string
	noUpdate     bool
	noWatch      bool
)

// cfg is loaded once in PersistentPreRunE.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "sspac",
	Short:         "sspac - PAC file generator for GFWList-style rule lists",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		if debug {
			log.Printf("Using config %s", cfg.Path())
		}

		if metricsAddr != "" {
			metrics.EnableMetrics()
			if err := metrics.StartMetricsServer(metricsAddr); err != nil {
				log.Printf("Failed to start metrics server: %v", err)
			}
		}
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch GFWList and regenerate the PAC file if it changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd.Context(), forceUpdate)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Regenerate the PAC file from the cached GFWList and user rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context())
	},
}

var fetchListCmd = &cobra.Command{
	Use:   "fetch-list",
	Short: "Download GFWList to a local file without generating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchList(cmd.Context(), fetchOutput)
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup host...",
	Short: "Show how hosts are routed by the current rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lookupHosts(cmd.Context(), args, lookupRemote)
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain rule...",
	Short: "Show how rule lines are classified",
	Long:  `Prints the syntax class of each rule line and the registrable domains it contributes, e.g. sspac explain '||example.com^' '@@|https://cdn.example.org'`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return explainRules(args)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Regenerate the PAC file whenever the user rules change",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRules(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the PAC file over HTTP and keep it up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	// Persistent flags (available for all commands)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	updateCmd.Flags().BoolVarP(&forceUpdate, "force", "f", false, "Regenerate even if GFWList did not change")

	fetchListCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output file (default: derived from the list URL)")

	lookupCmd.Flags().BoolVar(&lookupRemote, "remote", false, "Fetch GFWList instead of using the local copy")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: serve.addr from config)")
	serveCmd.Flags().BoolVar(&noUpdate, "no-update", false, "Do not update GFWList in the background")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the user rules file")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(fetchListCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := metrics.ShutdownMetricsServer(shutdownCtx); serr != nil {
		log.Printf("Error shutting down metrics server: %v", serr)
	}
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runUpdate(ctx context.Context, force bool) error {
	u, err := updater.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	log.Printf("Fetching GFWList from %s (force=%t)...", cfg.PAC.GFWListURL, force)

	start := time.Now()
	doc, err := u.Update(ctx, force)
	if core.IsNotModified(err) {
		fmt.Printf("GFWList already up to date (last modified: %s)\n", cfg.PAC.GFWListModified)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	printSummary("Update", doc, time.Since(start))
	return nil
}

func runGenerate(ctx context.Context) error {
	u, err := updater.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	doc, err := u.Regenerate(ctx)
	if err != nil {
		if core.KindOf(err) == core.KindSourceUnavailable {
			return fmt.Errorf("%w (run `sspac update` first)", err)
		}
		return fmt.Errorf("generate failed: %w", err)
	}
	printSummary("Generate", doc, time.Since(start))
	return nil
}

func printSummary(title string, doc *pac.Document, elapsed time.Duration) {
	ud, up, bd, bp := doc.Policy.Counts()
	fmt.Printf("\n--- %s Summary ---\n", title)
	fmt.Printf("   Processing Time: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("          PAC File: %s (%d bytes, compressed=%t)\n", cfg.PAC.Path, len(doc.Script), doc.Compressed)
	fmt.Printf("      GFWList From: %s\n", doc.Source)
	fmt.Printf("     Last Modified: %s\n", doc.Modified)
	fmt.Printf("        Base Rules: %d (%d proxy, %d direct, %d unparsed)\n", doc.Base.Rules, bp, bd, doc.Base.Anomalies)
	fmt.Printf("        User Rules: %d (%d proxy, %d direct, %d unparsed)\n", doc.User.Rules, up, ud, doc.User.Anomalies)
	fmt.Printf("             Proxy: %s\n", pac.Endpoint{Host: cfg.Local.Address, Port: cfg.Local.Port}.Directive())
	fmt.Printf("-------------------------\n")

	if debug {
		for _, s := range doc.Base.Samples {
			log.Printf("Unparsed base rule: %s", s)
		}
		for _, s := range doc.User.Samples {
			log.Printf("Unparsed user rule: %s", s)
		}
	}
}

func fetchList(ctx context.Context, output string) error {
	if output == "" {
		output = util.SanitizeFilename(cfg.PAC.GFWListURL)
	}
	output = util.ExpandHome(output)

	log.Printf("Fetching GFWList from %s to %s...", cfg.PAC.GFWListURL, output)
	if err := client.InitHTTPClient(&client.Config{
		RequestTimeout: cfg.Fetch.Timeout.Std(),
		ProxyURL:       cfg.Fetch.Proxy,
	}); err != nil {
		return err
	}
	p := source.NewProvider(&source.HTTPFetcher{}, output)

	var src *source.RuleSource
	err := core.Retry(ctx, cfg.Fetch.Retries, func(ctx context.Context) error {
		fctx, cancel := context.WithTimeout(ctx, cfg.Fetch.Timeout.Std())
		defer cancel()
		var ferr error
		src, ferr = p.FetchRemote(fctx, cfg.PAC.GFWListURL)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	if err := p.Cache(src); err != nil {
		return err
	}

	fmt.Printf("Saved %d lines to %s\n", len(src.Lines), output)
	fmt.Printf("    \\- From:          %s\n", src.Location)
	fmt.Printf("    \\- Last Modified: %s\n", src.Modified)
	return nil
}

func lookupHosts(ctx context.Context, hosts []string, remote bool) error {
	u, err := updater.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	doc, err := u.Preview(ctx, remote)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	ep := u.Generator().Endpoint()
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		url := "http://" + host + "/"
		fmt.Printf("%s\n", host)
		fmt.Printf("    \\- Route:     %s\n", doc.Policy.Lookup(host))
		fmt.Printf("    \\- Directive: %s\n", doc.Policy.FindProxyForURL(url, host, ep))
	}
	return nil
}

func explainRules(lines []string) error {
	u, err := updater.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	p := u.Generator().Parser()

	for _, line := range lines {
		kind := rules.Classify(strings.TrimSpace(line))
		res := p.Parse(line)
		fmt.Printf("%s\n", line)
		fmt.Printf("    \\- Kind:   %s\n", kind)
		switch {
		case kind == rules.KindSkip:
			fmt.Printf("    \\- Result: ignored\n")
		case res.Empty():
			fmt.Printf("    \\- Result: no domain (counted as anomaly)\n")
		default:
			if len(res.Proxy) > 0 {
				fmt.Printf("    \\- Proxy:  %s\n", strings.Join(res.Proxy, ", "))
			}
			if len(res.Direct) > 0 {
				fmt.Printf("    \\- Direct: %s\n", strings.Join(res.Direct, ", "))
			}
		}
	}
	return nil
}

func watchRules(ctx context.Context) error {
	u, err := updater.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	err = u.WatchUserRules().Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Println("Watcher stopped.")
		return nil
	}
	return err
}

func serve(ctx context.Context) error {
	metrics.EnableMetrics()

	holder := &pac.Holder{}
	u, err := updater.FromConfig(cfg, holder)
	if err != nil {
		return err
	}

	// Serve something right away if a cached list exists; the update loop
	// replaces it once the upstream list has been checked.
	if _, err := u.Regenerate(ctx); err != nil {
		log.Printf("No cached PAC available yet: %v", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Serve.Addr
	}
	srv := server.New(holder, u.Generator().Endpoint(), func(ctx context.Context, force bool) (*pac.Document, error) {
		return u.UpdateWithTrigger(ctx, force, updater.TriggerHTTP)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	if !noUpdate {
		g.Go(func() error {
			return u.Run(gctx, cfg.Serve.UpdateInterval.Std())
		})
	}
	if !noWatch {
		g.Go(func() error {
			return u.WatchUserRules().Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Println("Shutdown complete.")
		return nil
	}
	return err
}
