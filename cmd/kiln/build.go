package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/build"
	"github.com/kiln-dev/kiln/internal/bundler"
	"github.com/kiln-dev/kiln/internal/compiler"
	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/dev"
)

type buildFlags struct {
	overrides
	minify        bool
	sourceMaps    bool
	noPrecompress bool
}

func buildCmd(flags *globalFlags) *cobra.Command {
	var bf buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build for production",
		Long: `Build the application for production deployment.

This command:
  • Copies the content bases into the output directory
  • Bundles and minifies the client (and the server bundle in ssg/ssr)
  • Removes the hot reload script and comments from HTML pages
  • Precompresses text assets with gzip and zstd
  • Generates an asset manifest

Examples:
  kiln build
  kiln build --output=dist
  kiln build --sourcemaps --no-precompress`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(flags, bf)
		},
	}

	cmd.Flags().StringVarP(&bf.output, "output", "o", "", "Output directory (default from kiln.json)")
	cmd.Flags().StringVarP(&bf.mode, "mode", "m", "", "Rendering mode: dom, ssg or ssr")
	cmd.Flags().BoolVar(&bf.minify, "minify", true, "Minify output")
	cmd.Flags().BoolVar(&bf.sourceMaps, "sourcemaps", false, "Generate source maps")
	cmd.Flags().BoolVar(&bf.noPrecompress, "no-precompress", false, "Skip .gz and .zst siblings")

	return cmd
}

func runBuild(flags *globalFlags, bf buildFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := bf.apply(cfg); err != nil {
		return err
	}
	if bf.noPrecompress {
		cfg.Build.Precompress = false
	}
	cfg.Build.Minify = bf.minify

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(stdout, "  Building for production...")
	fmt.Fprintln(stdout)

	result, err := buildProject(ctx, cfg, bf.sourceMaps)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout)
	success("Build complete in %s", result.Duration.Round(time.Millisecond))
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "  Output:")
	fmt.Fprintf(stdout, "    %s/\n", cfg.Build.Output)
	fmt.Fprintf(stdout, "    ├── dist/main.js    (%s)\n", formatBytes(result.BundleSize))
	if cfg.Mode != config.ModeDOM {
		fmt.Fprintf(stdout, "    ├── server/main.js\n")
	}
	fmt.Fprintf(stdout, "    └── %s   (%d files)\n", build.ManifestName, len(result.Manifest))
	if result.Compressed > 0 {
		info("%d assets precompressed", result.Compressed)
	}
	fmt.Fprintln(stdout)

	return nil
}

// buildProject runs a production build of cfg.
func buildProject(ctx context.Context, cfg *config.Config, sourceMaps bool) (*build.Result, error) {
	nodeCompiler := compiler.NewNodeCompiler(cfg.Compiler.Node, cfg.Compiler.Module, cfg.Dir())
	if err := nodeCompiler.LookPath(); err != nil {
		return nil, err
	}

	builder := build.New(cfg, build.Options{
		Minify:       cfg.Build.Minify,
		SourceMaps:   sourceMaps,
		Precompress:  cfg.Build.Precompress,
		StripScripts: []string{dev.BootstrapPath},
		Bundler:      bundler.NewEsbuild(nil),
		Compiler:     nodeCompiler,
		Preprocessor: compiler.NewPreprocessor(cfg.Dir()),
		OnProgress:   printStep,
	})
	return builder.Build(ctx)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
