package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/appletforge/appletforge/internal/codec"
	"github.com/appletforge/appletforge/internal/compose"
	"github.com/appletforge/appletforge/internal/config"
	"github.com/appletforge/appletforge/internal/lifecycle"
	"github.com/appletforge/appletforge/internal/logging"
	"github.com/appletforge/appletforge/internal/monitoring"
	"github.com/appletforge/appletforge/internal/registry"
	"github.com/appletforge/appletforge/internal/server"
	"github.com/appletforge/appletforge/internal/shared/digest"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
)

// engine bundles the wired core for commands that operate on the
// package store.
type engine struct {
	cfg      *config.Config
	log      *logging.Logger
	codec    *codec.Codec
	col      *registry.Collection
	manager  *lifecycle.Manager
	renderer *compose.Renderer
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
}

func newEngine(cmd *cobra.Command) (*engine, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, err
	}

	c, err := codec.New(digest.Algorithm(cfg.Store.HashAlgorithm))
	if err != nil {
		return nil, err
	}

	var trust codec.TrustStore
	ts, err := codec.LoadTrustDir(cfg.Store.TrustDir)
	if err != nil {
		return nil, err
	}
	trust = ts

	store, err := lifecycle.NewStore(cfg.Store.Dir)
	if err != nil {
		return nil, err
	}

	col := registry.NewCollection(log)
	baseURL := cfg.Render.BaseURL
	if baseURL == "" {
		baseURL = "/applets"
	}
	col.SetBaseURL(baseURL)
	col.SetCacheEnabled(cfg.Render.CacheEnabled)
	if cfg.Render.RemoteContent != "" {
		col.SetContentResolver(registry.NewRemoteResolver(cfg.Render.RemoteContent).Resolve)
	}

	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)

	policy := codec.VerifyPolicy{AllowUnsigned: cfg.Store.AllowUnsigned}
	manager := lifecycle.NewManager(c, trust, policy, store, col, lifecycle.NewMemoryTemplates(), log).WithMetrics(metrics)
	renderer := compose.NewRenderer(col, log).WithMetrics(metrics)

	return &engine{
		cfg:      cfg,
		log:      log,
		codec:    c,
		col:      col,
		manager:  manager,
		renderer: renderer,
		metrics:  metrics,
		registry: reg,
	}, nil
}

func packCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "build a package file from an applet source directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}

			manifest, err := codec.IngestDir(args[0])
			if err != nil {
				return err
			}
			pkg, err := eng.codec.Pack(manifest)
			if err != nil {
				return err
			}
			data, err := codec.SaveBytes(pkg)
			if err != nil {
				return err
			}

			if out == "" {
				out = strings.ToLower(manifest.Info.ID) + lifecycle.PackageExt
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			cmd.Printf("%s packed %s %s -> %s (%d assets)\n",
				okMark("✓"), manifest.Info.ID, manifest.Info.Version, out, len(manifest.Assets))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default <id>.pak)")
	return cmd
}

func installCmd() *cobra.Command {
	var upgrade bool
	cmd := &cobra.Command{
		Use:   "install <file>",
		Short: "install a package or solution file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.manager.Recover(); err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			manifest, err := eng.manager.Install(data, upgrade)
			if err != nil {
				return err
			}
			if manifest != nil {
				cmd.Printf("%s installed %s %s\n", okMark("✓"), manifest.Info.ID, manifest.Info.Version)
			} else {
				cmd.Printf("%s installed solution from %s\n", okMark("✓"), args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&upgrade, "upgrade", false, "replace an already-installed version")
	return cmd
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "uninstall an applet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.manager.Recover(); err != nil {
				return err
			}
			if err := eng.manager.Uninstall(args[0]); err != nil {
				return err
			}
			cmd.Printf("%s uninstalled %s\n", okMark("✓"), args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list installed applets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.manager.Recover(); err != nil {
				return err
			}

			manifests := eng.col.Manifests()
			if len(manifests) == 0 {
				cmd.Println("no applets installed")
				return nil
			}
			for _, m := range manifests {
				signed := warnMark("unsigned")
				if len(m.Info.Signature) > 0 {
					signed = okMark("signed")
				}
				cmd.Printf("%-40s %-12s %s\n", m.Info.ID, m.Info.Version, signed)
			}
			return nil
		},
	}
}

func renderCmd() *cobra.Command {
	var lang string
	var params []string
	cmd := &cobra.Command{
		Use:   "render <address>",
		Short: "render an asset address to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.manager.Recover(); err != nil {
				return err
			}

			asset := eng.col.ResolveAsset(args[0], nil, lang)
			if asset == nil {
				return fmt.Errorf("asset not found: %s", args[0])
			}

			values := map[string]string{}
			for _, p := range params {
				if key, value, ok := strings.Cut(p, "="); ok {
					values[key] = value
				}
			}

			out, err := eng.renderer.Render(asset, compose.Options{
				Lang:     lang,
				Params:   values,
				Sanitize: eng.cfg.Render.Sanitize,
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "locale for localization tokens")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "binding value as key=value, repeatable")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the development server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			eng, err := newEngine(cmd)
			if err != nil {
				return err
			}
			if err := eng.manager.Recover(); err != nil {
				return err
			}

			srv := server.New(server.Config{
				Port:              eng.cfg.Server.Port,
				AllowOrigins:      []string{"*"},
				RequestsPerSecond: eng.cfg.Server.RequestsPerSecond,
				Burst:             eng.cfg.Server.Burst,
				Sanitize:          eng.cfg.Render.Sanitize,
			}, eng.manager, eng.renderer, eng.col, eng.metrics, eng.registry, eng.log)

			cmd.Printf("%s serving %d applets on :%s\n", okMark("✓"), eng.col.Len(), eng.cfg.Server.Port)
			return srv.Run()
		},
	}
}
