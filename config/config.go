// Package config loads the front end's bootstrap configuration: the
// handful of settings it needs before any fd has arrived over the main
// channel (socket paths, logging, the operational surfaces that spec.md's
// AMBIENT STACK adds on top of the original's hardcoded daemon behavior).
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configVersion = "1.0.0"

// Config is the front end's bootstrap configuration.
type Config struct {
	Version string

	// MainSocket and ResolverSocket are the Unix domain sockets the
	// front end dials to reach the parent and resolver processes
	// (spec.md §6). In the original these are anonymous socketpairs
	// inherited at fork time; run standalone, the front end needs a
	// named path to connect to instead.
	MainSocket     string
	ResolverSocket string

	// MetricsListen is the address promhttp listens on; empty disables
	// it (spec.md §4.13, ADDED).
	MetricsListen string

	LogLevel string

	AccessList         []string
	ClientRateLimit    int
	BlocklistLog       bool
	TCPIdleTimeoutSecs int
	MaxInFlightFDs     int64

	// BlocklistFile is a local path to watch for standalone runs where
	// no parent process delivers a blocklist fd over the main channel.
	// Empty disables the file watcher.
	BlocklistFile string
}

var defaultConfig = `
# Config version, config and daemon versions can differ.
version = "%s"

# Unix socket the front end dials to reach the parent process.
mainsocket = "/var/run/dnsfrontend/main.sock"

# Unix socket the front end dials to reach the resolver process.
resolversocket = "/var/run/dnsfrontend/resolver.sock"

# Address promhttp listens on; leave empty to disable metrics.
metricslisten = ":9153"

# Logging verbosity: debug, info, warn, error.
loglevel = "info"

# CIDR ranges allowed to query this front end. Empty means everyone.
accesslist = [
]

# Queries per minute allowed per source address. 0 disables the limit.
clientratelimit = 600

# Log every blocklist hit at info level.
blocklistlog = false

# Local blocklist file to watch for changes; leave empty to rely solely
# on the blocklist fd delivered over the main channel.
blocklistfile = ""

# Seconds an accepted TCP connection may sit idle before being dropped.
tcpidletimeoutsecs = 15

# Upper bound on concurrently accepted TCP connections.
maxinflightfds = 256
`

// Load reads cfgfile, generating a default one in its place if it does
// not exist yet, the same bootstrapping Load performs for the daemon's
// own TOML config (spec.md's AMBIENT STACK: "config layer the way the
// teacher does it").
func Load(cfgfile string) (*Config, error) {
	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateDefault(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("config: loading", zlog.String("path", cfgfile))

	cfg := new(Config)
	if _, err := toml.DecodeFile(cfgfile, cfg); err != nil {
		return nil, fmt.Errorf("config: could not load %s: %w", cfgfile, err)
	}

	if cfg.Version != configVersion {
		zlog.Warn("config: file is out of version, regenerate and diff the changes")
	}
	if cfg.TCPIdleTimeoutSecs <= 0 {
		cfg.TCPIdleTimeoutSecs = 15
	}
	if cfg.MaxInFlightFDs <= 0 {
		cfg.MaxInFlightFDs = 256
	}

	return cfg, nil
}

func generateDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: could not create config dir: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: could not generate %s: %w", path, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			zlog.Warn("config: close after generation failed", zlog.String("error", err.Error()))
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configVersion))
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("config: could not write default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("config: default config generated", zlog.String("path", abs))
	}
	return nil
}
