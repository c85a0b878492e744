// Package config parses tunneld's server configuration from flags,
// environment variables, and an optional JSON config file. Flags win over
// env, and env wins over the file's values.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// ServerConfig holds every flag/env-configurable setting for `tunneld serve`.
type ServerConfig struct {
	Port           int
	Address        string
	Domain         string
	Secure         bool
	MaxSockets     int
	Landing        string
	LogLevel       string
	DebugPprof     bool
	DebugPprofAddr string
	ConfigPath     string
}

const (
	defaultPort       = 80
	defaultAddress    = "0.0.0.0"
	defaultMaxSockets = 10
	defaultLanding    = "https://localtunnel.github.io/www/"
	defaultLogLevel   = "info"
)

// fileConfig mirrors the subset of ServerConfig that may be set from the
// optional JSON config file. Flags and environment variables always take
// precedence over it.
type fileConfig struct {
	Port       *int    `json:"port,omitempty"`
	Address    *string `json:"address,omitempty"`
	Domain     *string `json:"domain,omitempty"`
	Secure     *bool   `json:"secure,omitempty"`
	MaxSockets *int    `json:"max_sockets,omitempty"`
	Landing    *string `json:"landing,omitempty"`
	LogLevel   *string `json:"log_level,omitempty"`
	DebugPprof *bool   `json:"debug_pprof,omitempty"`
}

// ParseServerFlags parses args (typically os.Args[1:]) into a ServerConfig,
// applying defaults, the optional config file, environment variables, and
// flags in that order.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:       defaultPort,
		Address:    defaultAddress,
		MaxSockets: defaultMaxSockets,
		Landing:    defaultLanding,
		LogLevel:   defaultLogLevel,
	}

	// The config file has to be read before the flags are declared (see
	// below), so --config is picked out of args ahead of the full parse.
	configFile := defaultConfigFilePath()
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if !hasVal && i+1 < len(args) {
			val = args[i+1]
		}
		configFile = val
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", configFile, "Path to an optional JSON config file")

	// The file and env layers must be applied before the flags are
	// declared, since fs.*Var's default argument is read at declaration
	// time; flag.Parse then only overwrites a field if that flag was
	// actually passed, preserving flags > env > file precedence.
	if err := applyConfigFile(&cfg, *configPath); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)

	fs.IntVar(&cfg.Port, "port", cfg.Port, "Public HTTP listen port")
	fs.StringVar(&cfg.Address, "address", cfg.Address, "Public HTTP listen address")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Base domain for subdomain tunnels")
	fs.BoolVar(&cfg.Secure, "secure", cfg.Secure, "Use https in generated tunnel URLs")
	fs.IntVar(&cfg.MaxSockets, "max-sockets", cfg.MaxSockets, "Soft cap on concurrently connected sockets per tunnel")
	fs.StringVar(&cfg.Landing, "landing", cfg.Landing, "Landing page redirect target")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.DebugPprof, "debug-pprof", cfg.DebugPprof, "Serve net/http/pprof on a separate debug listener")
	fs.StringVar(&cfg.DebugPprofAddr, "debug-pprof-addr", "127.0.0.1:6060", "Listen address for the debug pprof server")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Domain = normalizeDomainHost(cfg.Domain)
	cfg.ConfigPath = *configPath

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	if cfg.MaxSockets <= 0 {
		return cfg, errors.New("max-sockets must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, errors.New("log-level must be one of: debug, info, warn, error")
	}

	return cfg, nil
}

func applyConfigFile(cfg *ServerConfig, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return err
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Address != nil {
		cfg.Address = *fc.Address
	}
	if fc.Domain != nil {
		cfg.Domain = *fc.Domain
	}
	if fc.Secure != nil {
		cfg.Secure = *fc.Secure
	}
	if fc.MaxSockets != nil {
		cfg.MaxSockets = *fc.MaxSockets
	}
	if fc.Landing != nil {
		cfg.Landing = *fc.Landing
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.DebugPprof != nil {
		cfg.DebugPprof = *fc.DebugPprof
	}
	return nil
}

func applyEnv(cfg *ServerConfig) {
	cfg.Port = envIntOrDefault("TUNNELD_PORT", cfg.Port)
	cfg.Address = envOrDefault("TUNNELD_ADDRESS", cfg.Address)
	cfg.Domain = envOrDefault("TUNNELD_DOMAIN", cfg.Domain)
	cfg.Secure = envBoolOrDefault("TUNNELD_SECURE", cfg.Secure)
	cfg.MaxSockets = envIntOrDefault("TUNNELD_MAX_SOCKETS", cfg.MaxSockets)
	cfg.Landing = envOrDefault("TUNNELD_LANDING", cfg.Landing)
	cfg.LogLevel = envOrDefault("TUNNELD_LOG_LEVEL", cfg.LogLevel)
	cfg.DebugPprof = envBoolOrDefault("TUNNELD_DEBUG_PPROF", cfg.DebugPprof)
}

func defaultConfigFilePath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "" // optional convenience; never fatal if unresolvable
	}
	return filepath.Join(home, ".tunneld", "config.json")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			v = v[1:end]
		}
	} else if idx := strings.Index(v, ":"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSuffix(v, ".")
}
