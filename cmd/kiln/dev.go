package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/compiler"
	"github.com/kiln-dev/kiln/internal/dev"
)

func devCmd(flags *globalFlags) *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Start the development server",
		Long: `Start the development server with hot reload.

The dev server watches for file changes, rebuilds the bundle, and
automatically refreshes connected browsers.

Features:
  • Hot reload on file change (port + 1)
  • Error overlay in browser
  • SPA fallback for unknown paths
  • Server bundle restarts in the ssg and ssr modes

Examples:
  kiln dev
  kiln dev --port=8080
  kiln dev --host=0.0.0.0 --no-open`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(flags, o)
		},
	}

	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "Port to run on (default from kiln.json)")
	cmd.Flags().StringVarP(&o.host, "host", "H", "", "Host to bind to (default from kiln.json)")
	cmd.Flags().StringVarP(&o.mode, "mode", "m", "", "Rendering mode: dom, ssg or ssr")
	cmd.Flags().BoolVarP(&o.open, "open", "o", false, "Open browser on start")
	cmd.Flags().BoolVar(&o.noOpen, "no-open", false, "Do not open the browser")
	cmd.Flags().BoolVar(&o.noReload, "no-reload", false, "Disable hot reload")

	return cmd
}

func runDev(flags *globalFlags, o overrides) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := o.apply(cfg); err != nil {
		return err
	}

	nodeCompiler := compiler.NewNodeCompiler(cfg.Compiler.Node, cfg.Compiler.Module, cfg.Dir())
	if err := nodeCompiler.LookPath(); err != nil {
		return err
	}

	printBanner()
	fmt.Fprintln(stdout, "  dev")
	fmt.Fprintln(stdout)

	session, err := dev.NewSession(dev.SessionOptions{
		Config:       cfg,
		Bundler:      bundler.NewEsbuild(nil),
		Compiler:     nodeCompiler,
		Preprocessor: compiler.NewPreprocessor(cfg.Dir()),
		OnBuildComplete: func(result dev.RebuildResult) {
			if result.OK {
				success("Built in %s", result.Duration.Round(time.Millisecond))
			} else {
				errorMsg("Build failed, serving the last good bundle")
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-session.Ready():
			info("Local:   %s", cfg.DevURL())
			fmt.Fprintln(stdout)
		case <-ctx.Done():
		}
	}()

	err = session.Run(ctx)
	fmt.Fprintln(stdout, "\n  Shutting down...")
	return err
}
