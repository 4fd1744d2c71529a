package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/dgnsrekt/cdp_observer/internal/config"
)

type options struct {
	mode        string
	envFile     string
	profiles    string
	transport   string
	archiveDir  string
	launch      bool
	showVersion bool

	set map[string]bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("cdp_observer", pflag.ContinueOnError)
	fs.StringVar(&opts.mode, "mode", modeHTTP, "surface to serve: http (REST API) or mcp (JSON-RPC on stdio)")
	fs.StringVar(&opts.envFile, "env-file", "", "load environment from this file instead of ./.env")
	fs.StringVar(&opts.profiles, "profiles", "", "filter profile YAML file (overrides FILTER_PROFILES_FILE)")
	fs.StringVar(&opts.transport, "transport", "", "CDP transport: raw or chromedp (overrides CDP_TRANSPORT)")
	fs.StringVar(&opts.archiveDir, "archive-dir", "", "archive admitted events as JSONL under this directory (overrides ARCHIVE_DIR)")
	fs.BoolVar(&opts.launch, "launch", false, "start a local Chromium unless one is already listening on CDP_PORT")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.mode != modeHTTP && opts.mode != modeMCP {
		return nil, fmt.Errorf("--mode must be %q or %q, got %q", modeHTTP, modeMCP, opts.mode)
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply lets explicitly given flags override the loaded environment.
func (o *options) apply(cfg *config.Config) error {
	if o.set["profiles"] {
		cfg.FilterProfilesFile = o.profiles
	}
	if o.set["transport"] {
		cfg.Transport = o.transport
	}
	if o.set["archive-dir"] {
		cfg.ArchiveDir = o.archiveDir
	}
	return cfg.Validate()
}
