package main

import (
	"os"

	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/errors"
)

// loadConfig loads kiln.json or kiln.yaml from the working directory or a
// parent. With --no-config a missing file yields the defaults rooted at the
// working directory.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadFromWorkingDir()
	if err == nil {
		return cfg, nil
	}
	if !flags.noConfig || !errors.HasCode(err, "E141") {
		return nil, err
	}

	wd, werr := os.Getwd()
	if werr != nil {
		return nil, werr
	}
	return config.Default(wd), nil
}

// overrides are command-line values applied on top of the config file.
// Zero values leave the file's setting alone.
type overrides struct {
	port     int
	host     string
	mode     string
	open     bool
	noOpen   bool
	noReload bool
	output   string
}

func (o overrides) apply(cfg *config.Config) error {
	if o.port > 0 {
		cfg.Port = o.port
	}
	if o.host != "" {
		cfg.Host = o.host
	}
	if o.mode != "" {
		cfg.Mode = config.Mode(o.mode)
	}
	if o.open {
		cfg.Dev.OpenBrowser = true
	}
	if o.noOpen {
		cfg.Dev.OpenBrowser = false
	}
	if o.noReload {
		cfg.Dev.HotReload = false
	}
	if o.output != "" {
		cfg.Build.Output = o.output
	}
	return cfg.Validate()
}
