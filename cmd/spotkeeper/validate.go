// -------------------------------------------------------------------------------
// Validate Subcommand - Check Configuration File
//
// Author: Alex Freidah
//
// Loads and validates a configuration file without connecting to anything.
// Exits 0 with a summary of the effective settings, or 1 with every
// validation problem found.
// -------------------------------------------------------------------------------

package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/afreidah/spotkeeper/internal/config"
)

// runValidate parses flags and delegates to validateConfig.
func runValidate() {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env-file", ".env", "Optional dotenv file loaded before the config")
	_ = fs.Parse(os.Args[1:])

	loadEnvFile(*envFile)
	if err := validateConfig(*configPath, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// validateConfig loads path and writes a summary of the effective settings.
func validateConfig(path string, w io.Writer) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "config %s: valid\n", path)
	fmt.Fprintf(w, "  listen:        %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(w, "  provider:      %s\n", cfg.Places.BaseURL)
	fmt.Fprintf(w, "  photo bucket:  %s\n", cfg.ObjectStore.Bucket)
	fmt.Fprintf(w, "  search ttl:    %s\n", cfg.Search.ResponseTTL)
	fmt.Fprintf(w, "  bias radius:   %.0f m\n", cfg.Search.BiasRadiusMeters)
	fmt.Fprintf(w, "  photo cache:   %d entries / %s\n", cfg.Photos.CacheEntries, humanize.IBytes(uint64(cfg.Photos.CacheBytes)))
	fmt.Fprintf(w, "  redis tier:    %t\n", cfg.Redis.Enabled)
	if cfg.UI.Enabled {
		fmt.Fprintf(w, "  dashboard:     %s\n", cfg.UI.Path)
	}
	if cfg.Photos.BackfillInterval > 0 {
		fmt.Fprintf(w, "  backfill:      every %s, %d spots\n", cfg.Photos.BackfillInterval, cfg.Photos.BackfillLimit)
	} else {
		fmt.Fprintf(w, "  backfill:      disabled\n")
	}
	return nil
}
