package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// stdout receives the human-readable progress output.
var stdout io.Writer = os.Stdout

const banner = `
  ╦╔═┬┬  ┌┐┌
  ╠╩╗││  │││
  ╩ ╩┴┴─┘┘└┘
`

// globalFlags are shared by every command.
type globalFlags struct {
	verbose  bool
	logJSON  bool
	noConfig bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Dev server and bundler for single-page component apps",
		Long: `kiln serves, rebuilds and bundles single-page apps written as
compiled components.

  • Static dev server with SPA fallback
  • Incremental rebuilds on file change
  • Hot reload with an in-browser error overlay
  • dom, ssg and ssr rendering modes
  • Production builds with precompressed assets
  • Deploys to S3-compatible buckets`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flags)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&flags.noConfig, "no-config", false, "Run with default settings when no kiln.json exists")

	rootCmd.AddCommand(
		devCmd(&flags),
		buildCmd(&flags),
		deployCmd(&flags),
		versionCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger on stderr.
func setupLogging(flags globalFlags) {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if flags.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
		errors.DisableColors()
		errors.SetJSONOutput(true)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// printBanner prints the kiln ASCII art banner.
func printBanner() {
	fmt.Fprint(stdout, banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Fprintf(stdout, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Fprintf(stdout, "  %s\n", fmt.Sprintf(format, args...))
}

// printStep prints a build progress step. Steps name files, so they are
// never used as a format string.
func printStep(step string) {
	info("%s", step)
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Fprintf(stdout, "\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}

// errorMsg prints an error message.
func errorMsg(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m✗\033[0m %s\n", fmt.Sprintf(format, args...))
}
