package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig carries application identity.
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// TransportConfig holds the shared link-level tunables.
type TransportConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	AutoReconnect    bool          `mapstructure:"auto_reconnect"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
}

// TerminalConfig holds payment-terminal protocol tunables.
type TerminalConfig struct {
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval"`
	Currency           string        `mapstructure:"currency"`
	ZVTPassword        string        `mapstructure:"zvt_password"`
	PrintOnPOS         bool          `mapstructure:"print_on_pos"`
}

// PrintingConfig holds queue and worker tunables.
type PrintingConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// DiscoveryConfig holds scanner tunables.
type DiscoveryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ProbeRate    int           `mapstructure:"probe_rate"`
}

// LumberjackConfig configures log-file rotation.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig selects level, format and file output.
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
	Path   string `mapstructure:"path"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"autoMigrate"`
}

// Config is the top-level configuration tree.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Transport TransportConfig `mapstructure:"transport"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	Printing  PrintingConfig  `mapstructure:"printing"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// Load reads configuration from a YAML file plus PERIPH_-prefixed
// environment overrides. With an empty path, a file missing from the
// search paths (./example.yaml, ./configs/example.yaml) is tolerated and
// defaults apply; a file missing at an explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = v.GetString("PERIPH_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix("PERIPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if fmt.Sprintf("%T", err) != fmt.Sprintf("%T", notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "periphd")
	v.SetDefault("app.env", "dev")

	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.retry_base_delay", "1s")
	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.auto_reconnect", true)
	v.SetDefault("transport.reconnect_timeout", "2m")
	v.SetDefault("transport.receive_timeout", "5s")

	v.SetDefault("terminal.transaction_timeout", "90s")
	v.SetDefault("terminal.poll_timeout", "5s")
	v.SetDefault("terminal.status_poll_interval", "30s")
	v.SetDefault("terminal.currency", "EUR")
	v.SetDefault("terminal.zvt_password", "000000")
	v.SetDefault("terminal.print_on_pos", true)

	v.SetDefault("printing.max_retries", 3)
	v.SetDefault("printing.retry_base_delay", "1s")
	v.SetDefault("printing.poll_interval", "500ms")

	v.SetDefault("discovery.timeout", "10s")
	v.SetDefault("discovery.probe_timeout", "2s")
	v.SetDefault("discovery.probe_rate", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/periphd.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.addr", ":9180")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.path", "periphd.db")
	v.SetDefault("database.autoMigrate", true)
}
