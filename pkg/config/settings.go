package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/froyoplay/pkg/inventory"
	"github.com/openfroyo/froyoplay/pkg/telemetry"
	"github.com/openfroyo/froyoplay/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment override, e.g. FROYOPLAY_LOG_LEVEL.
const EnvPrefix = "FROYOPLAY"

// Settings holds process-wide configuration.
// The mapstructure tags are used by Viper to unmarshal the data.
type Settings struct {
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat    string        `mapstructure:"log_format" validate:"oneof=console json"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	Metrics MetricsSettings `mapstructure:"metrics"`
	Tracing TracingSettings `mapstructure:"tracing"`
	Journal JournalSettings `mapstructure:"journal"`
	SSH     SSHSettings     `mapstructure:"ssh"`
	Policy  PolicySettings  `mapstructure:"policy"`
}

type MetricsSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true"`
}

type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure"`
}

type JournalSettings struct {
	// Path is the SQLite file; empty disables the journal.
	Path string `mapstructure:"path"`
}

type SSHSettings struct {
	User                  string        `mapstructure:"user" validate:"required"`
	Port                  int           `mapstructure:"port" validate:"min=1,max=65535"`
	IdentityFile          string        `mapstructure:"identity_file"`
	StrictHostKeyChecking bool          `mapstructure:"strict_host_key_checking"`
	KnownHostsPath        string        `mapstructure:"known_hosts_path"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" validate:"gt=0"`
	KeepAliveInterval     time.Duration `mapstructure:"keep_alive_interval" validate:"gte=0"`
	UseAgent              bool          `mapstructure:"use_agent"`
}

type PolicySettings struct {
	// Paths are .rego files or directories loaded in addition to the built-ins.
	Paths []string `mapstructure:"paths"`
	// Disable names policies, built-in ones included, that are not evaluated.
	Disable []string `mapstructure:"disable"`
}

// LoadSettings reads defaults, then the first froyoplay.yaml found (or
// configFile when set), then FROYOPLAY_* environment variables.
func LoadSettings(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("froyoplay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".froyoplay"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	d := inventory.DefaultDefaults()
	home, _ := os.UserHomeDir()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("poll_interval", "100ms")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("journal.path", "")
	v.SetDefault("ssh.user", d.User)
	v.SetDefault("ssh.port", d.Port)
	v.SetDefault("ssh.identity_file", "")
	v.SetDefault("ssh.strict_host_key_checking", d.StrictHostKeyChecking)
	v.SetDefault("ssh.known_hosts_path", filepath.Join(home, ".ssh", "known_hosts"))
	v.SetDefault("ssh.connection_timeout", "30s")
	v.SetDefault("ssh.keep_alive_interval", "0s")
	v.SetDefault("ssh.use_agent", false)
	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.disable", []string{})
}

// Validate checks the settings with their validate tags.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// HostDefaults returns the defaults applied to host strings.
func (s *Settings) HostDefaults() inventory.Defaults {
	return inventory.Defaults{
		User:                  s.SSH.User,
		Port:                  s.SSH.Port,
		IdentityFile:          s.SSH.IdentityFile,
		StrictHostKeyChecking: s.SSH.StrictHostKeyChecking,
	}
}

// SSHTransport returns the connection settings for the SSH pool.
func (s *Settings) SSHTransport() ssh.Settings {
	return ssh.Settings{
		KnownHostsPath:    s.SSH.KnownHostsPath,
		KeyPassphrase:     os.Getenv(EnvPrefix + "_SSH_KEY_PASSPHRASE"),
		Password:          os.Getenv(EnvPrefix + "_SSH_PASSWORD"),
		ConnectionTimeout: s.SSH.ConnectionTimeout,
		KeepAliveInterval: s.SSH.KeepAliveInterval,
		UseAgent:          s.SSH.UseAgent,
	}
}

// Telemetry converts the settings to a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	return cfg
}
