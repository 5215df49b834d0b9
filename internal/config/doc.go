// Package config defines configuration structures for the dicomdl CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (DICOMDL_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    Manifest    string
//	    Dest        string
//	    Concurrency int
//	    PerOrigin   int
//	    Raw         bool
//	    Progress    bool
//	    Mirror      string
//	    Retry       RetryConfig
//	}
//
//	type RetryConfig struct {
//	    Limit      int
//	    Backoff    time.Duration
//	    MaxBackoff time.Duration
//	}
package config
