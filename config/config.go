// Package config loads proxyfleetd's process-wide configuration: an
// optional JSON file overridden by PROXYFLEET_* environment variables,
// following elitan-lightform's own config.go shape exactly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luma-run/proxyfleet/dns"
)

// SharingDefaults holds configured seat-pool sizes. It is loaded with the
// rest of Config but not applied to any spec: a spec is pooled only when it
// carries its own ProxySharingSpecExtension.
type SharingDefaults struct {
	MinimumSeatsAvailable int `json:"minimum_seats_available"`
	MaximumSeatsAvailable int `json:"maximum_seats_available"`
}

// Config holds proxyfleetd's process-wide configuration.
type Config struct {
	ProxyServerPort string `json:"proxy_server_port"`
	APIServerPort   string `json:"api_server_port"`
	ServerAddress   string `json:"server_address"`

	SpecsDir string `json:"specs_dir"`

	// StopProxiesOnShutdown controls whether a graceful shutdown stops every
	// live proxy or leaves them running for a hot restart (spec.md §5/§6).
	StopProxiesOnShutdown bool `json:"stop_proxies_on_shutdown"`

	// PublicPathPrefix is the process-wide, init-once prefix used to build a
	// pool seat's synthetic PublicPath runtime value (spec.md §9).
	PublicPathPrefix string `json:"public_path_prefix"`

	ReconcileInterval time.Duration   `json:"-"`
	ReconcileIntervalSeconds int      `json:"reconcile_interval_seconds"`
	SharingDefaults   SharingDefaults `json:"sharing_defaults"`

	// EnableScaleDown gates ProxySharingScaler's scale-down arithmetic
	// (spec.md §9 open question — shipped behind a flag).
	EnableScaleDown bool `json:"enable_scale_down"`

	SeatClaimTimeoutSeconds int `json:"seat_claim_timeout_seconds"`

	JWTSigningKeyPath string `json:"jwt_signing_key_path"`
	JWTTTLSeconds     int    `json:"jwt_ttl_seconds"`

	SQLiteDSN string `json:"sqlite_dsn"` // empty means use the in-memory stores

	Cloudflare dns.Config `json:"cloudflare"`

	AuthEnforced bool `json:"auth_enforced"`
}

// DefaultConfig returns proxyfleetd's baseline configuration.
func DefaultConfig() Config {
	return Config{
		ProxyServerPort:          ":8080",
		APIServerPort:            ":8081",
		ServerAddress:            "localhost",
		SpecsDir:                 "./specs",
		StopProxiesOnShutdown:    true,
		PublicPathPrefix:         "/api/route/",
		ReconcileInterval:        10 * time.Second,
		ReconcileIntervalSeconds: 10,
		SharingDefaults:          SharingDefaults{MinimumSeatsAvailable: 1, MaximumSeatsAvailable: 3},
		EnableScaleDown:          false,
		SeatClaimTimeoutSeconds:  30,
		JWTSigningKeyPath:        "",
		JWTTTLSeconds:            900,
		SQLiteDSN:                "",
		AuthEnforced:             true,
		Cloudflare: dns.Config{
			Enabled:    false,
			APIToken:   "",
			ZoneID:     "",
			BaseDomain: "",
		},
	}
}

// LoadConfig loads configuration from an optional JSON file, then applies
// PROXYFLEET_* environment variable overrides on top.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	overrideFromEnv(&cfg)

	if cfg.ReconcileIntervalSeconds > 0 {
		cfg.ReconcileInterval = time.Duration(cfg.ReconcileIntervalSeconds) * time.Second
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file %s: %w", path, err)
	}
	if err := json.Unmarshal(bytes, cfg); err != nil {
		return fmt.Errorf("config: parse file %s: %w", path, err)
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("PROXYFLEET_PROXY_PORT"); val != "" {
		cfg.ProxyServerPort = ensurePortFormat(val)
	}
	if val := os.Getenv("PROXYFLEET_API_PORT"); val != "" {
		cfg.APIServerPort = ensurePortFormat(val)
	}
	if val := os.Getenv("PROXYFLEET_SERVER_ADDRESS"); val != "" {
		cfg.ServerAddress = val
	}
	if val := os.Getenv("PROXYFLEET_SPECS_DIR"); val != "" {
		cfg.SpecsDir = val
	}
	if val := os.Getenv("PROXYFLEET_STOP_PROXIES_ON_SHUTDOWN"); val != "" {
		cfg.StopProxiesOnShutdown = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROXYFLEET_PUBLIC_PATH_PREFIX"); val != "" {
		cfg.PublicPathPrefix = val
	}
	if val := os.Getenv("PROXYFLEET_RECONCILE_INTERVAL_SECONDS"); val != "" {
		if n, err := parseEnvInt(val); err == nil {
			cfg.ReconcileIntervalSeconds = n
		}
	}
	if val := os.Getenv("PROXYFLEET_ENABLE_SCALE_DOWN"); val != "" {
		cfg.EnableScaleDown = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROXYFLEET_SEAT_CLAIM_TIMEOUT_SECONDS"); val != "" {
		if n, err := parseEnvInt(val); err == nil {
			cfg.SeatClaimTimeoutSeconds = n
		}
	}
	if val := os.Getenv("PROXYFLEET_JWT_SIGNING_KEY_PATH"); val != "" {
		cfg.JWTSigningKeyPath = val
	}
	if val := os.Getenv("PROXYFLEET_JWT_TTL_SECONDS"); val != "" {
		if n, err := parseEnvInt(val); err == nil {
			cfg.JWTTTLSeconds = n
		}
	}
	if val := os.Getenv("PROXYFLEET_SQLITE_DSN"); val != "" {
		cfg.SQLiteDSN = val
	}
	if val := os.Getenv("PROXYFLEET_AUTH_ENFORCED"); val != "" {
		cfg.AuthEnforced = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("PROXYFLEET_CLOUDFLARE_ENABLED"); val != "" {
		cfg.Cloudflare.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROXYFLEET_CLOUDFLARE_API_TOKEN"); val != "" {
		cfg.Cloudflare.APIToken = val
	}
	if val := os.Getenv("PROXYFLEET_CLOUDFLARE_ZONE_ID"); val != "" {
		cfg.Cloudflare.ZoneID = val
	}
	if val := os.Getenv("PROXYFLEET_CLOUDFLARE_BASE_DOMAIN"); val != "" {
		cfg.Cloudflare.BaseDomain = val
	}
	if val := os.Getenv("PROXYFLEET_CLOUDFLARE_SERVER_ADDR"); val != "" {
		cfg.Cloudflare.ServerAddr = val
	}
}

// ensurePortFormat ensures port is in the form ":8080".
func ensurePortFormat(port string) string {
	port = strings.TrimSpace(port)
	if !strings.HasPrefix(port, ":") {
		return ":" + port
	}
	return port
}

func parseEnvInt(val string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(val))
}
