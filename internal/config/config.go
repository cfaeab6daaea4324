package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MEETBOT"

type Config struct {
	BotID           string `mapstructure:"bot_id"`
	ListenAddr      string `mapstructure:"listen_addr"`
	APIKey          string `mapstructure:"api_key"`
	DataDir         string `mapstructure:"data_dir"`
	SelectorCatalog string `mapstructure:"selector_catalog"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	Identity      IdentityConfig      `mapstructure:"identity"`
	Browser       BrowserConfig       `mapstructure:"browser"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Join          JoinConfig          `mapstructure:"join"`
	Media         MediaConfig         `mapstructure:"media"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Run           RunConfig           `mapstructure:"run"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Agent         AgentConfig         `mapstructure:"agent"`
	ControlPlane  ControlPlaneConfig  `mapstructure:"control_plane"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// IdentityConfig is the credential pair used to sign in. Never written by Save.
type IdentityConfig struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

type BrowserConfig struct {
	ExecPath        string        `mapstructure:"exec_path"`
	Headless        bool          `mapstructure:"headless"`
	NoSandbox       bool          `mapstructure:"no_sandbox"`
	FakeMediaDevice bool          `mapstructure:"fake_media_device"`
	UserAgent       string        `mapstructure:"user_agent"`
	WindowWidth     int           `mapstructure:"window_width"`
	WindowHeight    int           `mapstructure:"window_height"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout"`
	ExtraFlags      []string      `mapstructure:"extra_flags"`
}

type AuthConfig struct {
	EntryURL          string        `mapstructure:"entry_url"`
	IdentityTimeout   time.Duration `mapstructure:"identity_timeout"`
	SecretTimeout     time.Duration `mapstructure:"secret_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type JoinConfig struct {
	Deadline          time.Duration `mapstructure:"deadline"`
	WaitingTimeout    time.Duration `mapstructure:"waiting_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	UnrecognizedLimit int           `mapstructure:"unrecognized_limit"`
	DisplayName       string        `mapstructure:"display_name"`
}

type MediaConfig struct {
	MuteMicrophone bool `mapstructure:"mute_microphone"`
	DisableCamera  bool `mapstructure:"disable_camera"`
}

type CaptureConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MIMEType  string        `mapstructure:"mime_type"`
	Timeslice time.Duration `mapstructure:"timeslice"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

type RunConfig struct {
	MeetingBaseURL  string        `mapstructure:"meeting_base_url"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MinDuration     time.Duration `mapstructure:"min_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	LeaveTimeout    time.Duration `mapstructure:"leave_timeout"`
}

type StorageConfig struct {
	Provider string             `mapstructure:"provider"`
	Prefix   string             `mapstructure:"prefix"`
	Local    LocalStorageConfig `mapstructure:"local"`
	S3       S3Config           `mapstructure:"s3"`
	GCS      GCSConfig          `mapstructure:"gcs"`
	Azure    AzureConfig        `mapstructure:"azure"`
	B2       B2Config           `mapstructure:"b2"`
}

type LocalStorageConfig struct {
	Path string `mapstructure:"path"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
	Bucket         string `mapstructure:"bucket"`
}

type TranscriptionConfig struct {
	Provider     string                    `mapstructure:"provider"`
	Language     string                    `mapstructure:"language"`
	SampleRateHz int                       `mapstructure:"sample_rate_hz"`
	Timeout      time.Duration             `mapstructure:"timeout"`
	Google       GoogleTranscriptionConfig `mapstructure:"google"`
	HTTP         HTTPTranscriptionConfig   `mapstructure:"http"`
}

type GoogleTranscriptionConfig struct {
	CredentialsFile string        `mapstructure:"credentials_file"`
	APIKey          string        `mapstructure:"api_key"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

type HTTPTranscriptionConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type AgentConfig struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	RunQueueSize      int           `mapstructure:"run_queue_size"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	HostProbeInterval time.Duration `mapstructure:"host_probe_interval"`
	MinFreeDiskMB     int           `mapstructure:"min_free_disk_mb"`
	RunHistoryLimit   int           `mapstructure:"run_history_limit"`
}

type ControlPlaneConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`

	// Client certificate for mutual TLS. Both or neither.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`

	// HeartbeatInterval is the status report period; 0 disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// TracingConfig selects the span exporter: none, stdout or otlp.
type TracingConfig struct {
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

func Default() *Config {
	return &Config{
		ListenAddr:      ":3000",
		DataDir:         GetDataDir(),
		LogFormat:       "text",
		LogLevel:        "info",
		LogMaxSizeMB:    20,
		LogMaxBackups:   3,
		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,
		Browser: BrowserConfig{
			Headless:      true,
			NoSandbox:     true,
			WindowWidth:   1280,
			WindowHeight:  800,
			LaunchTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			EntryURL:          "https://accounts.google.com/signin",
			IdentityTimeout:   15 * time.Second,
			SecretTimeout:     15 * time.Second,
			NavigationTimeout: 30 * time.Second,
			SettleDelay:       time.Second,
			PollInterval:      250 * time.Millisecond,
		},
		Join: JoinConfig{
			Deadline:          2 * time.Minute,
			WaitingTimeout:    5 * time.Minute,
			PollInterval:      time.Second,
			UnrecognizedLimit: 10,
			DisplayName:       "Notetaker",
		},
		Media: MediaConfig{
			MuteMicrophone: true,
			DisableCamera:  true,
		},
		Capture: CaptureConfig{
			Enabled:   true,
			MIMEType:  "audio/webm",
			Timeslice: time.Second,
			StopGrace: 30 * time.Second,
		},
		Run: RunConfig{
			MeetingBaseURL:  "https://meet.google.com",
			DefaultDuration: time.Hour,
			MinDuration:     time.Minute,
			MaxDuration:     time.Hour,
			LeaveTimeout:    10 * time.Second,
		},
		Storage: StorageConfig{
			Provider: "local",
			Prefix:   "recordings",
			Local:    LocalStorageConfig{Path: filepath.Join(GetDataDir(), "artifacts")},
			S3:       S3Config{Region: "us-east-1"},
		},
		Transcription: TranscriptionConfig{
			Language:     "en-US",
			SampleRateHz: 48000,
			Timeout:      10 * time.Minute,
			Google:       GoogleTranscriptionConfig{PollInterval: 5 * time.Second},
			HTTP:         HTTPTranscriptionConfig{Model: "whisper-1"},
		},
		Agent: AgentConfig{
			MaxConcurrentRuns: 2,
			RunQueueSize:      16,
			ShutdownTimeout:   30 * time.Second,
			HostProbeInterval: 30 * time.Second,
			MinFreeDiskMB:     512,
			RunHistoryLimit:   500,
		},
		ControlPlane: ControlPlaneConfig{HeartbeatInterval: 60 * time.Second},
		Tracing:      TracingConfig{Exporter: "none", SampleRate: 1},
	}
}

// keyValues flattens cfg into dotted viper keys. It is the single list of
// known keys: defaults, env binding and Save all go through it.
func keyValues(cfg *Config) map[string]any {
	return map[string]any{
		"bot_id":            cfg.BotID,
		"listen_addr":       cfg.ListenAddr,
		"api_key":           cfg.APIKey,
		"data_dir":          cfg.DataDir,
		"selector_catalog":  cfg.SelectorCatalog,
		"log_format":        cfg.LogFormat,
		"log_level":         cfg.LogLevel,
		"log_file":          cfg.LogFile,
		"log_max_size_mb":   cfg.LogMaxSizeMB,
		"log_max_backups":   cfg.LogMaxBackups,
		"audit_enabled":     cfg.AuditEnabled,
		"audit_max_size_mb": cfg.AuditMaxSizeMB,
		"audit_max_backups": cfg.AuditMaxBackups,

		"identity.email":    cfg.Identity.Email,
		"identity.password": cfg.Identity.Password,

		"browser.exec_path":         cfg.Browser.ExecPath,
		"browser.headless":          cfg.Browser.Headless,
		"browser.no_sandbox":        cfg.Browser.NoSandbox,
		"browser.fake_media_device": cfg.Browser.FakeMediaDevice,
		"browser.user_agent":        cfg.Browser.UserAgent,
		"browser.window_width":      cfg.Browser.WindowWidth,
		"browser.window_height":     cfg.Browser.WindowHeight,
		"browser.launch_timeout":    cfg.Browser.LaunchTimeout.String(),
		"browser.extra_flags":       cfg.Browser.ExtraFlags,

		"auth.entry_url":          cfg.Auth.EntryURL,
		"auth.identity_timeout":   cfg.Auth.IdentityTimeout.String(),
		"auth.secret_timeout":     cfg.Auth.SecretTimeout.String(),
		"auth.navigation_timeout": cfg.Auth.NavigationTimeout.String(),
		"auth.settle_delay":       cfg.Auth.SettleDelay.String(),
		"auth.poll_interval":      cfg.Auth.PollInterval.String(),

		"join.deadline":           cfg.Join.Deadline.String(),
		"join.waiting_timeout":    cfg.Join.WaitingTimeout.String(),
		"join.poll_interval":      cfg.Join.PollInterval.String(),
		"join.unrecognized_limit": cfg.Join.UnrecognizedLimit,
		"join.display_name":       cfg.Join.DisplayName,

		"media.mute_microphone": cfg.Media.MuteMicrophone,
		"media.disable_camera":  cfg.Media.DisableCamera,

		"capture.enabled":    cfg.Capture.Enabled,
		"capture.mime_type":  cfg.Capture.MIMEType,
		"capture.timeslice":  cfg.Capture.Timeslice.String(),
		"capture.stop_grace": cfg.Capture.StopGrace.String(),

		"run.meeting_base_url": cfg.Run.MeetingBaseURL,
		"run.default_duration": cfg.Run.DefaultDuration.String(),
		"run.min_duration":     cfg.Run.MinDuration.String(),
		"run.max_duration":     cfg.Run.MaxDuration.String(),
		"run.leave_timeout":    cfg.Run.LeaveTimeout.String(),

		"storage.provider":             cfg.Storage.Provider,
		"storage.prefix":               cfg.Storage.Prefix,
		"storage.local.path":           cfg.Storage.Local.Path,
		"storage.s3.bucket":            cfg.Storage.S3.Bucket,
		"storage.s3.region":            cfg.Storage.S3.Region,
		"storage.s3.endpoint":          cfg.Storage.S3.Endpoint,
		"storage.s3.access_key_id":     cfg.Storage.S3.AccessKeyID,
		"storage.s3.secret_access_key": cfg.Storage.S3.SecretAccessKey,
		"storage.s3.use_path_style":    cfg.Storage.S3.UsePathStyle,
		"storage.gcs.bucket":           cfg.Storage.GCS.Bucket,
		"storage.gcs.credentials_file": cfg.Storage.GCS.CredentialsFile,

		"storage.azure.connection_string": cfg.Storage.Azure.ConnectionString,
		"storage.azure.container":         cfg.Storage.Azure.Container,
		"storage.b2.account_id":           cfg.Storage.B2.AccountID,
		"storage.b2.application_key":      cfg.Storage.B2.ApplicationKey,
		"storage.b2.bucket":               cfg.Storage.B2.Bucket,

		"transcription.provider":                cfg.Transcription.Provider,
		"transcription.language":                cfg.Transcription.Language,
		"transcription.sample_rate_hz":          cfg.Transcription.SampleRateHz,
		"transcription.timeout":                 cfg.Transcription.Timeout.String(),
		"transcription.google.credentials_file": cfg.Transcription.Google.CredentialsFile,
		"transcription.google.api_key":          cfg.Transcription.Google.APIKey,
		"transcription.google.poll_interval":    cfg.Transcription.Google.PollInterval.String(),
		"transcription.http.url":                cfg.Transcription.HTTP.URL,
		"transcription.http.api_key":            cfg.Transcription.HTTP.APIKey,
		"transcription.http.model":              cfg.Transcription.HTTP.Model,

		"agent.max_concurrent_runs": cfg.Agent.MaxConcurrentRuns,
		"agent.run_queue_size":      cfg.Agent.RunQueueSize,
		"agent.shutdown_timeout":    cfg.Agent.ShutdownTimeout.String(),
		"agent.host_probe_interval": cfg.Agent.HostProbeInterval.String(),
		"agent.min_free_disk_mb":    cfg.Agent.MinFreeDiskMB,
		"agent.run_history_limit":   cfg.Agent.RunHistoryLimit,

		"control_plane.url":                cfg.ControlPlane.URL,
		"control_plane.token":              cfg.ControlPlane.Token,
		"control_plane.cert_file":          cfg.ControlPlane.CertFile,
		"control_plane.key_file":           cfg.ControlPlane.KeyFile,
		"control_plane.ca_file":            cfg.ControlPlane.CAFile,
		"control_plane.heartbeat_interval": cfg.ControlPlane.HeartbeatInterval.String(),

		"tracing.exporter":    cfg.Tracing.Exporter,
		"tracing.endpoint":    cfg.Tracing.Endpoint,
		"tracing.insecure":    cfg.Tracing.Insecure,
		"tracing.sample_rate": cfg.Tracing.SampleRate,
	}
}

// secretKeys are never persisted by Save; they belong in env or a secret store.
var secretKeys = map[string]bool{
	"identity.password":               true,
	"api_key":                         true,
	"storage.s3.secret_access_key":    true,
	"storage.azure.connection_string": true,
	"storage.b2.application_key":      true,
	"transcription.google.api_key":    true,
	"transcription.http.api_key":      true,
	"control_plane.token":             true,
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range keyValues(Default()) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile (or meetbot.yaml from the config dir or the working
// directory), overlays MEETBOT_* environment variables and defaults.
// A missing default config file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("meetbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML without any secret values.
func SaveTo(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(configDir(), "meetbot.yaml")
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	v := viper.New()
	for key, value := range keyValues(cfg) {
		if secretKeys[key] {
			continue
		}
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return err
	}
	return os.Chmod(cfgFile, 0600)
}

// GetDataDir returns the platform data directory for run ledger, audit log
// and local artifacts.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Meetbot", "data")
	case "darwin":
		return "/Library/Application Support/Meetbot/data"
	default:
		return "/var/lib/meetbot"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Meetbot")
	case "darwin":
		return "/Library/Application Support/Meetbot"
	default:
		return "/etc/meetbot"
	}
}
