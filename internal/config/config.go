// Package config manages zonesd daemon configuration using koanf/v2.
//
// Supports JSON files, environment variables, and the defaults-then-file-
// then-env layering the daemon's configuration loading follows throughout.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration structures
// -------------------------------------------------------------------------

// ManagerConfig holds the complete zonesd configuration: the manager-config
// document plus the ambient sections (IPC socket path, metrics, logging)
// the daemon needs that are not part of the zones domain model itself.
type ManagerConfig struct {
	DefaultID           string           `koanf:"defaultId"`
	ForegroundID        string           `koanf:"foregroundId"`
	RunMountPointPrefix string           `koanf:"runMountPointPrefix"`
	ContainersPath      string           `koanf:"containersPath"`
	ContainerConfigs    []string         `koanf:"containerConfigs"`
	ProxyCallRules      []ProxyCallRule  `koanf:"proxyCallRules"`
	Input               InputConfig      `koanf:"inputConfig"`
	DetachOnExit        bool             `koanf:"detachOnExit"`

	IPC     IPCConfig     `koanf:"ipc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Bus     BusConfig     `koanf:"bus"`
}

// ProxyCallRule is one entry of the ordered proxy-call allow-list, as
// loaded from the manager-config JSON document.
type ProxyCallRule struct {
	CallerGlob     string `koanf:"callerGlob"`
	TargetGlob     string `koanf:"targetGlob"`
	BusNameGlob    string `koanf:"busNameGlob"`
	ObjectPathGlob string `koanf:"objectPathGlob"`
	InterfaceGlob  string `koanf:"interfaceGlob"`
	MethodGlob     string `koanf:"methodGlob"`
	Effect         string `koanf:"effect"`
}

// InputConfig configures the Input Monitor (C6).
type InputConfig struct {
	Enabled bool   `koanf:"enabled"`
	Device  string `koanf:"device"`
}

// IPCConfig configures the internal Unix-domain socket service (C1).
type IPCConfig struct {
	// SocketPath is the filesystem path of the listening Unix socket.
	SocketPath string `koanf:"socketPath"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BusConfig holds the host/power-manager bus naming configuration.
type BusConfig struct {
	// HostWellKnownName is loaded from config but not read by the daemon;
	// the host endpoint always requests bus.HostBusName
	// ("org.tizen.containers.host").
	HostWellKnownName string `koanf:"hostWellKnownName"`
	// PowerManagerName is the well-known bus name the display_off security
	// filter requires the sender to hold.
	PowerManagerName string `koanf:"powerManagerName"`
}

// ZoneConfig is the JSON document referenced (by relative or absolute path)
// from ManagerConfig.ContainerConfigs, describing one zone.
type ZoneConfig struct {
	ID                          string   `koanf:"id"`
	RootFS                      string   `koanf:"rootfs"`
	Terminal                    int      `koanf:"terminal"`
	Privilege                   int      `koanf:"privilege"`
	SwitchToDefaultAfterTimeout bool     `koanf:"switchToDefaultAfterTimeout"`
	PermittedToSend             []string `koanf:"permittedToSend"`
	PermittedToRecv             []string `koanf:"permittedToRecv"`
	BusName                     string   `koanf:"busName"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultManagerConfig returns a ManagerConfig populated with sensible
// defaults for the ambient sections. The zones-domain fields (DefaultID,
// ContainerConfigs, ...) have no sensible default and are left empty.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		RunMountPointPrefix: "/run/zonesd",
		ContainersPath:      "/var/zones",
		IPC: IPCConfig{
			SocketPath: "/run/zonesd/zonesd.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Bus: BusConfig{
			HostWellKnownName: "org.tizen.containers.host",
			PowerManagerName:  "org.tizen.power",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for zonesd configuration.
// Variables are named ZONESD_<section>_<key>, e.g., ZONESD_METRICS_ADDR.
const envPrefix = "ZONESD_"

// Load reads configuration from a JSON file at path, overlays environment
// variable overrides (ZONESD_ prefix), and merges on top of
// DefaultManagerConfig(). Missing fields inherit defaults.
func Load(path string) (*ManagerConfig, error) {
	k := koanf.New(".")

	defaults := DefaultManagerConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &ManagerConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// LoadZoneConfig reads a single zone-config JSON document from path.
func LoadZoneConfig(path string) (*ZoneConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("load zone config from %s: %w", path, err)
	}

	zc := &ZoneConfig{}
	if err := k.Unmarshal("", zc); err != nil {
		return nil, fmt.Errorf("unmarshal zone config %s: %w", path, err)
	}
	if zc.ID == "" {
		return nil, fmt.Errorf("zone config %s: %w", path, ErrEmptyZoneID)
	}
	if zc.ID == "host" {
		return nil, fmt.Errorf("zone config %s: %w", path, ErrReservedZoneID)
	}

	return zc, nil
}

// envKeyMapper transforms ZONESD_METRICS_ADDR -> metrics.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *ManagerConfig) error {
	defaultMap := map[string]any{
		"runMountPointPrefix":        defaults.RunMountPointPrefix,
		"containersPath":             defaults.ContainersPath,
		"ipc.socketPath":             defaults.IPC.SocketPath,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"bus.hostWellKnownName":      defaults.Bus.HostWellKnownName,
		"bus.powerManagerName":       defaults.Bus.PowerManagerName,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyDefaultID    = errors.New("defaultId must not be empty")
	ErrEmptyZoneID       = errors.New("zone config id must not be empty")
	ErrReservedZoneID    = errors.New(`zone config id "host" is reserved`)
	ErrEmptyContainerCfg = errors.New("containerConfigs entry must not be empty")
	ErrInvalidRuleEffect = errors.New("proxyCallRules entry effect must be ALLOW or DENY")
	ErrEmptySocketPath   = errors.New("ipc.socketPath must not be empty")
)

// Validate checks the configuration for structural errors that do not
// require the zone-config files to be loaded (those are cross-checked by
// the manager at construction time, since DefaultID must exist in the
// loaded zone set, not merely in the file list).
func Validate(cfg *ManagerConfig) error {
	if cfg.DefaultID == "" {
		return ErrEmptyDefaultID
	}
	if cfg.IPC.SocketPath == "" {
		return ErrEmptySocketPath
	}
	for i, p := range cfg.ContainerConfigs {
		if p == "" {
			return fmt.Errorf("containerConfigs[%d]: %w", i, ErrEmptyContainerCfg)
		}
	}
	for i, r := range cfg.ProxyCallRules {
		if r.Effect != "ALLOW" && r.Effect != "DENY" {
			return fmt.Errorf("proxyCallRules[%d] effect %q: %w", i, r.Effect, ErrInvalidRuleEffect)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log level parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
