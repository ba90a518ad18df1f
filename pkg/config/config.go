// Package config loads the bridge process's top-level configuration from
// a YAML file, with environment variable overrides for the settings most
// commonly varied between deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/hub"
	"github.com/cuemby/bridge/pkg/log"
	"github.com/cuemby/bridge/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with a human-readable YAML representation
// ("120ms", "25s") instead of yaml.v3's default raw-nanosecond integer.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// HubSettings configures the Subscription Hub.
type HubSettings struct {
	QueueDepth        int      `yaml:"queue_depth"`
	Policy            string   `yaml:"policy"`
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  Duration `yaml:"keepalive_timeout"`
	WriteDeadline     Duration `yaml:"write_deadline"`
	DrainDeadline     Duration `yaml:"drain_deadline"`
}

// ConsumerSettings configures the client-side Streaming Consumer.
type ConsumerSettings struct {
	TTL                 Duration `yaml:"ttl"`
	ReconnectBaseDelay  Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   Duration `yaml:"reconnect_max_delay"`
	FallbackGracePeriod Duration `yaml:"fallback_grace_period"`
	PollInterval        Duration `yaml:"poll_interval"`
}

// Config is the bridge server's full configuration.
type Config struct {
	ArchiveRoot    string `yaml:"archive_root"`
	SymbolsFile    string `yaml:"symbols_file"`
	ListenAddr     string `yaml:"listen_addr"`
	HistoricalAddr string `yaml:"historical_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	MaxReadBytes   int64    `yaml:"max_read_bytes"`
	DebounceWindow Duration `yaml:"debounce_window"`
	ReplayPath     string   `yaml:"replay_path"`

	// TLSCertFile/TLSKeyFile are both optional. The private-mesh
	// deployment target (spec.md §1) means the listener may already sit
	// behind the mesh's own transport security, so TLS is config-gated
	// rather than mandatory: leaving either field empty serves plaintext.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	Hub      HubSettings      `yaml:"hub"`
	Consumer ConsumerSettings `yaml:"consumer"`
}

// TLSEnabled reports whether both halves of a certificate/key pair were
// configured. A partial configuration (one field set, the other empty)
// is caught by Validate instead of silently falling back to plaintext.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Default returns the configuration used when a field is omitted from the
// YAML file and has no environment override.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8443",
		HistoricalAddr: ":8080",
		LogLevel:       "info",
		LogJSON:        true,
		MaxReadBytes:   4 * 1024 * 1024,
		DebounceWindow: Duration(120 * time.Millisecond),
		Hub: HubSettings{
			QueueDepth:        128,
			Policy:            string(hub.PolicyDropOldestDelta),
			KeepaliveInterval: Duration(25 * time.Second),
			KeepaliveTimeout:  Duration(10 * time.Second),
			WriteDeadline:     Duration(5 * time.Second),
			DrainDeadline:     Duration(3 * time.Second),
		},
		Consumer: ConsumerSettings{
			TTL:                 Duration(5 * time.Second),
			ReconnectBaseDelay:  Duration(1 * time.Second),
			ReconnectMaxDelay:   Duration(30 * time.Second),
			FallbackGracePeriod: Duration(5 * time.Second),
			PollInterval:        Duration(3 * time.Second),
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides, and validates the result. An empty path returns defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "config.Load", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "config.Load", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration that cannot possibly start the bridge.
func (c *Config) Validate() error {
	if c.ArchiveRoot == "" {
		return bridgeerr.New(bridgeerr.KindConfigInvalid, "config.Validate", "", "archive_root is required")
	}
	if c.SymbolsFile == "" {
		return bridgeerr.New(bridgeerr.KindConfigInvalid, "config.Validate", "", "symbols_file is required")
	}
	if c.ListenAddr == "" {
		return bridgeerr.New(bridgeerr.KindConfigInvalid, "config.Validate", "", "listen_addr is required")
	}
	switch hub.Policy(c.Hub.Policy) {
	case hub.PolicyDropOldestDelta, hub.PolicyEvictSubscriber:
	default:
		return bridgeerr.New(bridgeerr.KindConfigInvalid, "config.Validate", "", fmt.Sprintf("unknown hub backpressure policy %q", c.Hub.Policy))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return bridgeerr.New(bridgeerr.KindConfigInvalid, "config.Validate", "", "tls_cert_file and tls_key_file must both be set or both be empty")
	}
	return nil
}

// envOverride applies fn(value) when env is set in the process
// environment; fn is expected to report parse failures via the returned
// error, which the caller surfaces with the offending variable name.
func envOverride(env string, fn func(string) error) error {
	v, ok := os.LookupEnv(env)
	if !ok || v == "" {
		return nil
	}
	if err := fn(v); err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	return nil
}

// applyEnvOverrides applies BRIDGE_* overrides in place. A malformed
// override (e.g. BRIDGE_LOG_JSON=not-a-bool) is logged and otherwise
// ignored rather than failing the whole load: the file/default value
// underneath it is left standing.
func applyEnvOverrides(c *Config) {
	logger := log.WithComponent("config")
	apply := func(env string, fn func(string) error) {
		if err := envOverride(env, fn); err != nil {
			logger.Warn().Err(err).Msg("ignoring invalid environment override")
		}
	}

	apply("BRIDGE_ARCHIVE_ROOT", func(v string) error { c.ArchiveRoot = v; return nil })
	apply("BRIDGE_SYMBOLS_FILE", func(v string) error { c.SymbolsFile = v; return nil })
	apply("BRIDGE_LISTEN_ADDR", func(v string) error { c.ListenAddr = v; return nil })
	apply("BRIDGE_HISTORICAL_ADDR", func(v string) error { c.HistoricalAddr = v; return nil })
	apply("BRIDGE_LOG_LEVEL", func(v string) error { c.LogLevel = v; return nil })
	apply("BRIDGE_REPLAY_PATH", func(v string) error { c.ReplayPath = v; return nil })
	apply("BRIDGE_TLS_CERT_FILE", func(v string) error { c.TLSCertFile = v; return nil })
	apply("BRIDGE_TLS_KEY_FILE", func(v string) error { c.TLSKeyFile = v; return nil })
	apply("BRIDGE_LOG_JSON", func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.LogJSON = b
		return nil
	})
	apply("BRIDGE_MAX_READ_BYTES", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.MaxReadBytes = n
		return nil
	})
	apply("BRIDGE_HUB_POLICY", func(v string) error { c.Hub.Policy = v; return nil })
}

// LoadSymbols reads the symbol configuration file referenced by
// c.SymbolsFile; the result is handed to registry.New/Reload.
func LoadSymbols(path string) ([]registry.SymbolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "config.LoadSymbols", path, err)
	}
	var wrapper struct {
		Symbols []registry.SymbolConfig `yaml:"symbols"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "config.LoadSymbols", path, err)
	}
	return wrapper.Symbols, nil
}
