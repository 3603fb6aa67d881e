// Package config provides configuration management for the monitor.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use; the
// monitored backend is only connected when MONITOR_URL is set.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
