package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/fieldkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
// os.Args is filtered with flagx.FilterArgs first so flags owned by other
// loaders (-c) do not break parsing.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-l", "-u", "-t", "-p", "-s", "-b", "-a", "-v"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory for local stores")
	fs.StringVar(&cfg.LocalDSN, "l", cfg.LocalDSN, "sqlite DSN of the local store")
	fs.StringVar(&cfg.DirectoryURL, "u", cfg.DirectoryURL, "directory database URL")
	fs.StringVar(&cfg.DirectoryToken, "t", cfg.DirectoryToken, "directory bearer token")
	fs.StringVar(&cfg.PostgresDatabase, "p", cfg.PostgresDatabase, "postgres database of remote clusters")
	flagx.MillisVar(fs, &cfg.SettleTimeout, "s", "settle timeout (in milliseconds)")
	flagx.MillisVar(fs, &cfg.BootTimeout, "b", "boot timeout (in milliseconds)")
	fs.BoolVar(&cfg.AutoActivate, "a", cfg.AutoActivate, "auto-activate discovered projects")
	fs.StringVar(&cfg.LogLevel, "v", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
