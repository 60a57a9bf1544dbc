// Package config loads mount-time configuration from CLI flags,
// NFSPY_* environment variables, and an optional YAML file, in that
// order of precedence. Grounded on the teacher's pkg/config.Load: a viper
// instance configured once, a decode step with duration/bytesize
// hooks, then defaults applied to anything left zero.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nfspy/nfspy/internal/bytesize"
)

// PortSpec is a PORT/TRANSPORT pair, the shape spec.md's mountport=
// and nfsport= options take (e.g. "635/tcp", "2049/udp").
type PortSpec struct {
	Port      uint16
	Transport string // "tcp" or "udp"
}

func (p PortSpec) String() string {
	return fmt.Sprintf("%d/%s", p.Port, p.Transport)
}

// ParsePortSpec parses "PORT/TRANSPORT" or a bare "PORT" (transport
// defaults to udp, matching spec.md §6's mountport/nfsport defaults).
func ParsePortSpec(s string) (PortSpec, error) {
	if s == "" {
		return PortSpec{Transport: "udp"}, nil
	}
	port, transport, found := strings.Cut(s, "/")
	transport = strings.ToLower(transport)
	if !found {
		transport = "udp"
	}
	if transport != "tcp" && transport != "udp" {
		return PortSpec{}, fmt.Errorf("config: unknown transport %q, want tcp or udp", transport)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("config: invalid port %q: %w", port, err)
	}
	return PortSpec{Port: uint16(n), Transport: transport}, nil
}

// Config is the full set of options a mount is started with, matching
// spec.md §6's configuration option list one-for-one plus the ambient
// logging/metrics additions.
type Config struct {
	// Server is "HOST:PATH", the export to mount. Required.
	Server string `mapstructure:"server" yaml:"server"`

	// MountPoint is the local directory the FUSE filesystem is
	// attached to. Not part of spec.md's option list (which only
	// names NFS-side options) but needed to actually call fuse.Mount.
	MountPoint string `mapstructure:"mountpoint" yaml:"mountpoint"`

	// Hide, once MNT succeeds, immediately UMNTs so the server drops
	// the export record while the client keeps the root filehandle.
	Hide bool `mapstructure:"hide" yaml:"hide"`

	// CacheSize is the handle cache's LRU capacity. Default 1024.
	CacheSize int `mapstructure:"cachesize" yaml:"cachesize"`

	// CacheTimeout is the per-entry freshness bound. Default 120s.
	CacheTimeout time.Duration `mapstructure:"cachetimeout" yaml:"cachetimeout"`

	// MaxBlockSize caps the READ/WRITE chunk size negotiated from the
	// server's FSINFO reply (v3). v2, which has no FSINFO, always uses
	// a fixed 4Ki chunk and ignores this setting. Default 32Ki.
	MaxBlockSize bytesize.ByteSize `mapstructure:"maxblocksize" yaml:"maxblocksize"`

	// MountPort is the mount protocol's port/transport. Default udp,
	// portmap-resolved port.
	MountPort PortSpec `mapstructure:"mountport" yaml:"mountport"`

	// NFSPort is the NFS protocol's port/transport. Default udp,
	// portmap-resolved port.
	NFSPort PortSpec `mapstructure:"nfsport" yaml:"nfsport"`

	// DirHandle, if set, is adopted as the root filehandle instead of
	// calling MNT. Hex, colons ignored.
	DirHandle string `mapstructure:"dirhandle" yaml:"dirhandle"`

	// GetRoot, after adopting DirHandle, walks ".." to the export root.
	GetRoot bool `mapstructure:"getroot" yaml:"getroot"`

	// FakeName is the string placed in AUTH_UNIX's machinename field.
	// Empty defaults to the real hostname.
	FakeName string `mapstructure:"fakename" yaml:"fakename"`

	// NFSVersion selects NFS v2 or v3. Default 3.
	NFSVersion uint32 `mapstructure:"nfsversion" yaml:"nfsversion"`

	// Logging controls log output, ambient to the mount-option surface.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics server, ambient.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior, mirrored from the teacher's
// own LoggingConfig.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When
// Addr is empty, metrics are not served (spec.md never mentions
// metrics; this is purely ambient observability, not a spec feature).
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load builds a Config from flags (highest precedence), then
// NFSPY_* environment variables, then an optional YAML config file,
// then defaults for anything still unset.
func Load(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NFSPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		portSpecDecodeHook(),
		durationDecodeHook(),
		bytesizeDecodeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in spec.md §6's documented defaults for any
// value still at its zero value after flags/env/file have been read.
func applyDefaults(cfg *Config) {
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTimeout == 0 {
		cfg.CacheTimeout = 120 * time.Second
	}
	if cfg.MaxBlockSize == 0 {
		cfg.MaxBlockSize = 32 * bytesize.KiB
	}
	if cfg.MountPort.Transport == "" {
		cfg.MountPort.Transport = "udp"
	}
	if cfg.NFSPort.Transport == "" {
		cfg.NFSPort.Transport = "udp"
	}
	if cfg.NFSVersion == 0 {
		cfg.NFSVersion = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// validate checks the invariants applyDefaults can't establish on its
// own: Server is required (spec.md §6), and if DirHandle is absent,
// MNT is the only way to obtain a root, so Server must still name a
// path to mount ("HOST:PATH").
func validate(cfg *Config) error {
	if cfg.Server == "" {
		return fmt.Errorf("server is required (HOST:PATH)")
	}
	if !strings.Contains(cfg.Server, ":") {
		return fmt.Errorf("server %q must be HOST:PATH", cfg.Server)
	}
	if cfg.NFSVersion != 2 && cfg.NFSVersion != 3 {
		return fmt.Errorf("nfsversion must be 2 or 3, got %d", cfg.NFSVersion)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	return nil
}

// ParseServer splits Server into its host and export path halves.
func (c *Config) ParseServer() (host, path string, err error) {
	host, path, found := strings.Cut(c.Server, ":")
	if !found || host == "" || path == "" {
		return "", "", fmt.Errorf("server %q must be HOST:PATH", c.Server)
	}
	return host, path, nil
}

// ParseDirHandle decodes DirHandle's hex into raw filehandle bytes,
// ignoring colons (spec.md §6: "colons ignored").
func ParseDirHandle(hex string) ([]byte, error) {
	hex = strings.ReplaceAll(hex, ":", "")
	if len(hex)%2 != 0 {
		return nil, fmt.Errorf("config: dirhandle has odd length")
	}
	out := make([]byte, len(hex)/2)
	for i := range out {
		b, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("config: invalid dirhandle byte %q: %w", hex[i*2:i*2+2], err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

func portSpecDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(PortSpec{}) {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		return ParsePortSpec(s)
	}
}

func bytesizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v) * time.Second, nil
		default:
			return data, nil
		}
	}
}
