package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. BLUEPRINTD_HTTP_LISTEN.
const EnvPrefix = "BLUEPRINTD"

// Settings is the service configuration of blueprintd.
type Settings struct {
	// DataDir holds the database, catalog and SSH keys unless overridden.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`

	Database  DatabaseSettings `mapstructure:"database" yaml:"database"`
	HTTP      HTTPSettings     `mapstructure:"http" yaml:"http"`
	Catalog   CatalogSettings  `mapstructure:"catalog" yaml:"catalog"`
	Policy    PolicySettings   `mapstructure:"policy" yaml:"policy"`
	Networks  NetworkSettings  `mapstructure:"networks" yaml:"networks"`
	Engine    EngineSettings   `mapstructure:"engine" yaml:"engine"`
	SSH       SSHSettings      `mapstructure:"ssh" yaml:"ssh"`
	Notify    NotifySettings   `mapstructure:"notify" yaml:"notify"`
	Backup    BackupSettings   `mapstructure:"backup" yaml:"backup"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// DatabaseSettings configures the SQLite store.
type DatabaseSettings struct {
	// Path defaults to <data_dir>/blueprintd.db.
	Path         string `mapstructure:"path" yaml:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	// EventRetention prunes lifecycle events older than this. Zero keeps everything.
	EventRetention time.Duration `mapstructure:"event_retention" yaml:"event_retention"`
}

// HTTPSettings configures the REST API listener.
type HTTPSettings struct {
	Listen          string        `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// CatalogSettings locates the blueprint catalog.
type CatalogSettings struct {
	// Dir defaults to <data_dir>/catalog.
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// PolicySettings configures admission policies.
type PolicySettings struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Dirs    []string `mapstructure:"dirs" yaml:"dirs"`
	Watch   bool     `mapstructure:"watch" yaml:"watch"`
	// MaxReservation caps the addresses one request may reserve.
	MaxReservation int `mapstructure:"max_reservation" yaml:"max_reservation" validate:"gte=0"`
}

// NetworkSettings locates the network topology file.
type NetworkSettings struct {
	File string `mapstructure:"file" yaml:"file"`
}

// EngineSettings configures the lifecycle engine.
type EngineSettings struct {
	CallbackTimeout time.Duration `mapstructure:"callback_timeout" yaml:"callback_timeout" validate:"gte=0"`
	// ConfirmDelay is how long the in-process VIM executor waits before confirming a job.
	ConfirmDelay time.Duration    `mapstructure:"confirm_delay" yaml:"confirm_delay" validate:"gte=0"`
	Provider     ProviderSettings `mapstructure:"provider" yaml:"provider"`
}

// ProviderSettings is the static provider context handed to Build handlers.
type ProviderSettings struct {
	VIM     string            `mapstructure:"vim" yaml:"vim" validate:"required"`
	KubeAPI string            `mapstructure:"kube_api" yaml:"kube_api,omitempty" validate:"omitempty,url"`
	Network string            `mapstructure:"network" yaml:"network" validate:"required"`
	Extra   map[string]string `mapstructure:"extra" yaml:"extra,omitempty"`
}

// Context converts the settings to an engine provider context.
func (p ProviderSettings) Context() engine.ProviderContext {
	return engine.ProviderContext{
		VIM:     p.VIM,
		KubeAPI: p.KubeAPI,
		Network: p.Network,
		Extra:   p.Extra,
	}
}

// SSHSettings configures day-2 configuration pushes to VNF machines.
type SSHSettings struct {
	User    string        `mapstructure:"user" yaml:"user"`
	Port    int           `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
	KeyFile string        `mapstructure:"key_file" yaml:"key_file"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Disabled skips config pushes, for labs without reachable machines.
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`
}

// NotifySettings configures requester callbacks.
type NotifySettings struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	// MaxFailures consecutive failures open the breaker of a callback host.
	MaxFailures uint32 `mapstructure:"max_failures" yaml:"max_failures" validate:"gte=1"`
	// OpenTimeout is how long an open breaker rejects deliveries.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// BackupSettings configures snapshot storage.
type BackupSettings struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=local s3"`
	// Dir is the local backend directory, default <data_dir>/backups.
	Dir       string `mapstructure:"dir" yaml:"dir"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket" validate:"required_if=Backend s3"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	PathStyle bool   `mapstructure:"path_style" yaml:"path_style"`
}

// DefaultSettings returns the settings used when no file overrides them.
func DefaultSettings() *Settings {
	return &Settings{
		DataDir: "/var/lib/blueprintd",
		Database: DatabaseSettings{
			MaxOpenConns:   25,
			EventRetention: 30 * 24 * time.Hour,
		},
		HTTP: HTTPSettings{
			Listen:          "127.0.0.1:8420",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Catalog: CatalogSettings{Watch: true},
		Policy: PolicySettings{
			Enabled:        true,
			Watch:          true,
			MaxReservation: 64,
		},
		Engine: EngineSettings{
			CallbackTimeout: engine.DefaultCallbackTimeout,
			ConfirmDelay:    2 * time.Second,
			Provider: ProviderSettings{
				VIM:     "local",
				Network: "mgmt",
			},
		},
		SSH: SSHSettings{
			User:    "blueprintd",
			Port:    22,
			Timeout: 30 * time.Second,
		},
		Notify: NotifySettings{
			Timeout:     10 * time.Second,
			MaxFailures: 5,
			OpenTimeout: time.Minute,
		},
		Backup: BackupSettings{
			Backend: "local",
			Prefix:  "snapshots/",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultSettings()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.event_retention", d.Database.EventRetention)

	v.SetDefault("http.listen", d.HTTP.Listen)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("catalog.dir", d.Catalog.Dir)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.dirs", d.Policy.Dirs)
	v.SetDefault("policy.watch", d.Policy.Watch)
	v.SetDefault("policy.max_reservation", d.Policy.MaxReservation)

	v.SetDefault("networks.file", d.Networks.File)

	v.SetDefault("engine.callback_timeout", d.Engine.CallbackTimeout)
	v.SetDefault("engine.confirm_delay", d.Engine.ConfirmDelay)
	v.SetDefault("engine.provider.vim", d.Engine.Provider.VIM)
	v.SetDefault("engine.provider.kube_api", d.Engine.Provider.KubeAPI)
	v.SetDefault("engine.provider.network", d.Engine.Provider.Network)

	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.port", d.SSH.Port)
	v.SetDefault("ssh.key_file", d.SSH.KeyFile)
	v.SetDefault("ssh.timeout", d.SSH.Timeout)
	v.SetDefault("ssh.disabled", d.SSH.Disabled)

	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.max_failures", d.Notify.MaxFailures)
	v.SetDefault("notify.open_timeout", d.Notify.OpenTimeout)

	v.SetDefault("backup.backend", d.Backup.Backend)
	v.SetDefault("backup.dir", d.Backup.Dir)
	v.SetDefault("backup.bucket", d.Backup.Bucket)
	v.SetDefault("backup.prefix", d.Backup.Prefix)
	v.SetDefault("backup.region", d.Backup.Region)
	v.SetDefault("backup.endpoint", d.Backup.Endpoint)
	v.SetDefault("backup.access_key", d.Backup.AccessKey)
	v.SetDefault("backup.secret_key", d.Backup.SecretKey)
	v.SetDefault("backup.path_style", d.Backup.PathStyle)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.default_histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.flush_interval", t.Events.FlushInterval)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
	v.SetDefault("telemetry.events.redis.enabled", t.Events.Redis.Enabled)
	v.SetDefault("telemetry.events.redis.addr", t.Events.Redis.Addr)
	v.SetDefault("telemetry.events.redis.password", t.Events.Redis.Password)
	v.SetDefault("telemetry.events.redis.db", t.Events.Redis.DB)
	v.SetDefault("telemetry.events.redis.channel_prefix", t.Events.Redis.ChannelPrefix)
}

// LoadSettings reads settings from path, or from blueprintd.yaml in the
// working directory or /etc/blueprintd when path is empty, then applies
// BLUEPRINTD_ environment overrides and validates the result.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	} else {
		v.SetConfigName("blueprintd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blueprintd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read settings: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	s.resolvePaths()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

// resolvePaths fills paths that default to locations under DataDir.
func (s *Settings) resolvePaths() {
	if s.Database.Path == "" {
		s.Database.Path = filepath.Join(s.DataDir, "blueprintd.db")
	}
	if s.Catalog.Dir == "" {
		s.Catalog.Dir = filepath.Join(s.DataDir, "catalog")
	}
	if s.SSH.KeyFile == "" {
		s.SSH.KeyFile = filepath.Join(s.DataDir, "ssh", "id_ed25519")
	}
	if s.Backup.Dir == "" {
		s.Backup.Dir = filepath.Join(s.DataDir, "backups")
	}
}

// Validate checks struct constraints and the embedded telemetry config.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return engine.NewPermanentError("invalid settings", err).WithCode(engine.ErrCodeValidation)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return engine.NewPermanentError("invalid telemetry settings", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// WriteSettings writes settings as YAML, refusing to overwrite an existing file.
func WriteSettings(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
