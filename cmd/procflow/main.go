package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

const usage = `procflow - workflow engine served over MCP (stdio)

Usage:
  procflow [serve]    run the MCP server on stdin/stdout
  procflow init       write ~/.procflow/settings.json
  procflow version    print the version
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		runServe()
	case "init":
		runInit(os.Args[2:])
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func runInit(args []string) {
	defaults := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath := fs.String("db-path", defaults.DBPath, "database path")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", defaults.PoolSize, "handler pool size")
	loopLimit := fs.Int("loop-limit", defaults.LoopLimit, "default loop iteration limit")
	redisURL := fs.String("redis-url", "", "publish notifications to Redis (redis://host:port/db)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := procflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := Config{
		DBPath:      *dbPath,
		LogLevel:    *logLevel,
		PoolSize:    *poolSize,
		LoopLimit:   *loopLimit,
		RedisURL:    *redisURL,
		MetricsAddr: *metricsAddr,
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
}
