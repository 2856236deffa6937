// Package config loads runtime configuration for the fieldkeeper engine.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-d string   data directory for local stores
//	-l string   sqlite DSN of the local store (overrides -d)
//	-u string   directory database URL
//	-t string   directory bearer token
//	-p string   postgres database of remote clusters
//	-s int      settle timeout (milliseconds)
//	-b int      boot timeout (milliseconds)
//	-a          auto-activate discovered projects
//	-v string   log level (debug, info, warn, error)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "2s" or integer nanoseconds. Only keys present in the file
// override the defaults:
//
//	{
//	  "data_dir": "/var/lib/fieldkeeper",
//	  "directory_url": "https://couch.example.org/directory",
//	  "postgres_database": "fieldkeeper",
//	  "long_poll": "25s",
//	  "settle_timeout": "2s",
//	  "boot_timeout": "10s",
//	  "retry_min": "500ms",
//	  "retry_max": "30s",
//	  "auto_activate": true,
//	  "log_level": "debug",
//	  "log_format": "json"
//	}
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
