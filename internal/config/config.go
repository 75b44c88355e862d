package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultSite                = "qwen"
	defaultDispatcherURL       = "ws://localhost:3003/ws/monkey"
	defaultResponseTimeout     = 15 * time.Second
	defaultReconnectDelay      = 3 * time.Second
	defaultHeartbeatInterval   = 15 * time.Second
	defaultInitialConnectDelay = 1 * time.Second
	defaultMinResponseLength   = 5
	defaultStabilityThreshold  = 2
	defaultSettleFocus         = 300 * time.Millisecond
	defaultSettleWrite         = 500 * time.Millisecond
	defaultSettleSubmit        = 500 * time.Millisecond
	defaultWindowWidth         = 1280
	defaultWindowHeight        = 900
	defaultBrowserOpTimeout    = 10 * time.Second
	defaultDoctorInterval      = 30 * time.Second
	defaultLogLevel            = "info"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".chatworker"

// RedactedValue replaces credentials in redacted Encode output.
const RedactedValue = "***REDACTED***"

// Config stores runtime settings loaded from TOML files.
type Config struct {
	WorkerID      string
	APIKey        string
	DispatcherURL string
	Site          string

	ResponseTimeout time.Duration
	// PollInterval of zero defers to the site profile.
	PollInterval        time.Duration
	ReconnectDelay      time.Duration
	HeartbeatInterval   time.Duration
	InitialConnectDelay time.Duration
	MinResponseLength   int
	StabilityThreshold  int

	Settle  SettleConfig
	Browser BrowserConfig

	JournalPath    string
	MetricsAddr    string
	OTelEndpoint   string
	DoctorInterval time.Duration
	LogLevel       string
}

// SettleConfig holds the pauses that let the page react during submission.
type SettleConfig struct {
	Focus  time.Duration
	Write  time.Duration
	Submit time.Duration
}

// BrowserConfig configures the Chromium instance.
type BrowserConfig struct {
	Headless     bool
	UserDataDir  string
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	OpTimeout    time.Duration
}

type fileConfig struct {
	WorkerID            *string      `toml:"worker_id"`
	APIKey              *string      `toml:"api_key"`
	DispatcherURL       *string      `toml:"dispatcher_url"`
	Site                *string      `toml:"site"`
	ResponseTimeout     *string      `toml:"response_timeout"`
	PollInterval        *string      `toml:"poll_interval"`
	ReconnectDelay      *string      `toml:"reconnect_delay"`
	HeartbeatInterval   *string      `toml:"heartbeat_interval"`
	InitialConnectDelay *string      `toml:"initial_connect_delay"`
	MinResponseLength   *int         `toml:"min_response_length"`
	StabilityThreshold  *int         `toml:"stability_threshold"`
	DoctorInterval      *string      `toml:"doctor_interval"`
	LogLevel            *string      `toml:"log_level"`
	Settle              *settleFile  `toml:"settle"`
	Browser             *browserFile `toml:"browser"`
	Journal             *journalFile `toml:"journal"`
	Metrics             *metricsFile `toml:"metrics"`
	OTel                *otelFile    `toml:"otel"`
}

type settleFile struct {
	Focus  *string `toml:"focus"`
	Write  *string `toml:"write"`
	Submit *string `toml:"submit"`
}

type browserFile struct {
	Headless     *bool   `toml:"headless"`
	UserDataDir  *string `toml:"user_data_dir"`
	ExecPath     *string `toml:"exec_path"`
	WindowWidth  *int    `toml:"window_width"`
	WindowHeight *int    `toml:"window_height"`
	OpTimeout    *string `toml:"op_timeout"`
}

type journalFile struct {
	Path *string `toml:"path"`
}

type metricsFile struct {
	Addr *string `toml:"addr"`
}

type otelFile struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.chatworker/config.toml and overlays a project-local .chatworker/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(
		ctx,
		homeDir,
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	)
}

// LoadFiles applies each existing file over the defaults, in order. homeDir
// anchors the default journal and browser profile paths.
func LoadFiles(ctx context.Context, homeDir string, paths ...string) (*Config, error) {
	cfg := defaults(homeDir)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func defaults(homeDir string) Config {
	base := filepath.Join(homeDir, DirName)
	return Config{
		DispatcherURL:       defaultDispatcherURL,
		Site:                defaultSite,
		ResponseTimeout:     defaultResponseTimeout,
		ReconnectDelay:      defaultReconnectDelay,
		HeartbeatInterval:   defaultHeartbeatInterval,
		InitialConnectDelay: defaultInitialConnectDelay,
		MinResponseLength:   defaultMinResponseLength,
		StabilityThreshold:  defaultStabilityThreshold,
		Settle: SettleConfig{
			Focus:  defaultSettleFocus,
			Write:  defaultSettleWrite,
			Submit: defaultSettleSubmit,
		},
		Browser: BrowserConfig{
			UserDataDir:  filepath.Join(base, "browser"),
			WindowWidth:  defaultWindowWidth,
			WindowHeight: defaultWindowHeight,
			OpTimeout:    defaultBrowserOpTimeout,
		},
		JournalPath:    filepath.Join(base, "journal.db"),
		DoctorInterval: defaultDoctorInterval,
		LogLevel:       defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyCountOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyBrowserOverrides(cfg, decoded.Browser, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.WorkerID != nil {
		cfg.WorkerID = strings.TrimSpace(*decoded.WorkerID)
	}
	if decoded.APIKey != nil {
		cfg.APIKey = strings.TrimSpace(*decoded.APIKey)
	}
	if decoded.DispatcherURL != nil {
		cfg.DispatcherURL = strings.TrimSpace(*decoded.DispatcherURL)
	}
	if decoded.Site != nil {
		cfg.Site = normalizeKey(*decoded.Site)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.Journal != nil && decoded.Journal.Path != nil {
		cfg.JournalPath = strings.TrimSpace(*decoded.Journal.Path)
	}
	if decoded.Metrics != nil && decoded.Metrics.Addr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.Metrics.Addr)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

type durationOverride struct {
	key    string
	value  *string
	target *time.Duration
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []durationOverride{
		{"response_timeout", decoded.ResponseTimeout, &cfg.ResponseTimeout},
		{"poll_interval", decoded.PollInterval, &cfg.PollInterval},
		{"reconnect_delay", decoded.ReconnectDelay, &cfg.ReconnectDelay},
		{"heartbeat_interval", decoded.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"initial_connect_delay", decoded.InitialConnectDelay, &cfg.InitialConnectDelay},
		{"doctor_interval", decoded.DoctorInterval, &cfg.DoctorInterval},
	}
	if decoded.Settle != nil {
		durations = append(durations,
			durationOverride{"settle.focus", decoded.Settle.Focus, &cfg.Settle.Focus},
			durationOverride{"settle.write", decoded.Settle.Write, &cfg.Settle.Write},
			durationOverride{"settle.submit", decoded.Settle.Submit, &cfg.Settle.Submit},
		)
	}

	for _, entry := range durations {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}
	return nil
}

func applyCountOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.MinResponseLength != nil {
		if *decoded.MinResponseLength < 0 {
			return fmt.Errorf("parse min_response_length in %q: must be >= 0", path)
		}
		cfg.MinResponseLength = *decoded.MinResponseLength
	}
	if decoded.StabilityThreshold != nil {
		if *decoded.StabilityThreshold <= 0 {
			return fmt.Errorf("parse stability_threshold in %q: must be > 0", path)
		}
		cfg.StabilityThreshold = *decoded.StabilityThreshold
	}
	return nil
}

func applyBrowserOverrides(cfg *Config, decoded *browserFile, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Headless != nil {
		cfg.Browser.Headless = *decoded.Headless
	}
	if decoded.UserDataDir != nil {
		cfg.Browser.UserDataDir = strings.TrimSpace(*decoded.UserDataDir)
	}
	if decoded.ExecPath != nil {
		cfg.Browser.ExecPath = strings.TrimSpace(*decoded.ExecPath)
	}
	if decoded.WindowWidth != nil {
		if *decoded.WindowWidth <= 0 {
			return fmt.Errorf("parse browser.window_width in %q: must be > 0", path)
		}
		cfg.Browser.WindowWidth = *decoded.WindowWidth
	}
	if decoded.WindowHeight != nil {
		if *decoded.WindowHeight <= 0 {
			return fmt.Errorf("parse browser.window_height in %q: must be > 0", path)
		}
		cfg.Browser.WindowHeight = *decoded.WindowHeight
	}
	if decoded.OpTimeout != nil {
		value, err := parseDuration(*decoded.OpTimeout, "browser.op_timeout", path)
		if err != nil {
			return err
		}
		cfg.Browser.OpTimeout = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: must not be negative", key, path)
	}
	return parsed, nil
}

// ResolvedWorkerID returns the configured worker id, or "<site>-worker" when unset.
func (c *Config) ResolvedWorkerID() string {
	if c == nil {
		return ""
	}
	if id := strings.TrimSpace(c.WorkerID); id != "" {
		return id
	}
	return c.Site + "-worker"
}

// Validate reports settings the worker cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.Site) == "" {
		return errors.New("site must not be empty")
	}
	parsed, err := url.Parse(c.DispatcherURL)
	if err != nil {
		return fmt.Errorf("dispatcher_url %q: %w", c.DispatcherURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("dispatcher_url %q: scheme must be ws or wss", c.DispatcherURL)
	}
	if c.ResponseTimeout <= 0 {
		return errors.New("response_timeout must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect_delay must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be > 0")
	}
	return nil
}

// Encode writes the effective settings as TOML under the same keys the
// loader reads, so the output loads back unchanged. With redact set a
// non-empty api_key is written as RedactedValue.
func (c *Config) Encode(w io.Writer, redact bool) error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	apiKey := c.APIKey
	if redact && apiKey != "" {
		apiKey = RedactedValue
	}
	file := fileConfig{
		WorkerID:            ptr(c.WorkerID),
		APIKey:              ptr(apiKey),
		DispatcherURL:       ptr(c.DispatcherURL),
		Site:                ptr(c.Site),
		ResponseTimeout:     durationPtr(c.ResponseTimeout),
		PollInterval:        durationPtr(c.PollInterval),
		ReconnectDelay:      durationPtr(c.ReconnectDelay),
		HeartbeatInterval:   durationPtr(c.HeartbeatInterval),
		InitialConnectDelay: durationPtr(c.InitialConnectDelay),
		MinResponseLength:   ptr(c.MinResponseLength),
		StabilityThreshold:  ptr(c.StabilityThreshold),
		DoctorInterval:      durationPtr(c.DoctorInterval),
		LogLevel:            ptr(c.LogLevel),
		Settle: &settleFile{
			Focus:  durationPtr(c.Settle.Focus),
			Write:  durationPtr(c.Settle.Write),
			Submit: durationPtr(c.Settle.Submit),
		},
		Browser: &browserFile{
			Headless:     ptr(c.Browser.Headless),
			UserDataDir:  ptr(c.Browser.UserDataDir),
			ExecPath:     ptr(c.Browser.ExecPath),
			WindowWidth:  ptr(c.Browser.WindowWidth),
			WindowHeight: ptr(c.Browser.WindowHeight),
			OpTimeout:    durationPtr(c.Browser.OpTimeout),
		},
		Journal: &journalFile{Path: ptr(c.JournalPath)},
		Metrics: &metricsFile{Addr: ptr(c.MetricsAddr)},
		OTel:    &otelFile{Endpoint: ptr(c.OTelEndpoint)},
	}
	if err := toml.NewEncoder(w).Encode(file); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func ptr[T any](value T) *T {
	return &value
}

func durationPtr(value time.Duration) *string {
	return ptr(value.String())
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
