package main

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/kiln-dev/kiln/internal/config"
)

const esbuildModule = "github.com/evanw/esbuild"

// buildVersion describes the running binary and the toolchain it drives.
type buildVersion struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Built    string `json:"built"`
	Modified bool   `json:"modified,omitempty"`
	Esbuild  string `json:"esbuild"`
	Go       string `json:"go"`
	Platform string `json:"platform"`

	// Set when the command runs inside a project.
	Node     string `json:"node,omitempty"`
	Compiler string `json:"compiler,omitempty"`
}

// readBuildVersion merges the linker-set variables with the module and VCS
// data the Go toolchain embeds. Linker values win when they were set.
func readBuildVersion(bi *debug.BuildInfo, ok bool) buildVersion {
	v := buildVersion{
		Version:  version,
		Commit:   commit,
		Built:    date,
		Esbuild:  "unknown",
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if !ok || bi == nil {
		return v
	}

	if v.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if v.Commit == "none" {
				v.Commit = s.Value
			}
		case "vcs.time":
			if v.Built == "unknown" {
				v.Built = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	for _, dep := range bi.Deps {
		if dep.Path != esbuildModule {
			continue
		}
		v.Esbuild = dep.Version
		if dep.Replace != nil {
			v.Esbuild = dep.Replace.Version + " (replaced by " + dep.Replace.Path + ")"
		}
	}
	if bi.GoVersion != "" {
		v.Go = bi.GoVersion
	}
	return v
}

// withProject adds the configured compiler toolchain.
func (v buildVersion) withProject(cfg *config.Config) buildVersion {
	v.Compiler = cfg.Compiler.Module
	v.Node = cfg.Compiler.Node
	if path, err := exec.LookPath(cfg.Compiler.Node); err == nil {
		v.Node = path
	} else {
		v.Node += " (not found)"
	}
	return v
}

func versionCmd(flags *globalFlags) *cobra.Command {
	var (
		short  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the kiln version and the esbuild release it bundles with.
Inside a project the configured Node.js compiler is reported too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := readBuildVersion(debug.ReadBuildInfo())
			if short {
				fmt.Fprintln(stdout, v.Version)
				return nil
			}
			if cfg, err := loadConfig(flags); err == nil {
				v = v.withProject(cfg)
			}

			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			printVersion(v)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")

	return cmd
}

func printVersion(v buildVersion) {
	printBanner()
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  Version:    %s\n", v.Version)
	if v.Modified {
		fmt.Fprintf(stdout, "  Commit:     %s (modified)\n", v.Commit)
	} else {
		fmt.Fprintf(stdout, "  Commit:     %s\n", v.Commit)
	}
	fmt.Fprintf(stdout, "  Built:      %s\n", v.Built)
	fmt.Fprintf(stdout, "  esbuild:    %s\n", v.Esbuild)
	fmt.Fprintf(stdout, "  Go version: %s\n", v.Go)
	fmt.Fprintf(stdout, "  OS/Arch:    %s\n", v.Platform)
	if v.Compiler != "" {
		fmt.Fprintf(stdout, "  Node:       %s\n", v.Node)
		fmt.Fprintf(stdout, "  Compiler:   %s\n", v.Compiler)
	}
	fmt.Fprintln(stdout)
}
