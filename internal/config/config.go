package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeTimer = "timer"
	ModePoll  = "poll"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Violation ViolationConfig `json:"violation" yaml:"violation"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture"`
	API       APIConfig       `json:"api" yaml:"api"`
	Activity  ActivityConfig  `json:"activity" yaml:"activity"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	MinTagLength  int             `json:"min_tag_length" yaml:"min_tag_length"`
	Debounce      time.Duration   `json:"debounce" yaml:"debounce"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// UDPConfig accepts one or more newline separated reads per datagram, the
// way networked readers forward them.
type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// FileTailConfig tails plain files or character devices such as a serial
// reader exposed at /dev/ttyUSB0.
type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ViolationConfig struct {
	Mode           string        `json:"mode" yaml:"mode"`
	RestrictedZone string        `json:"restricted_zone" yaml:"restricted_zone"`
	Description    string        `json:"description" yaml:"description"`
	WarningDelay   time.Duration `json:"warning_delay" yaml:"warning_delay"`
	FinalDelay     time.Duration `json:"final_delay" yaml:"final_delay"`
	Cooldown       time.Duration `json:"cooldown" yaml:"cooldown"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type StorageConfig struct {
	Driver    string        `json:"driver" yaml:"driver"`
	DSN       string        `json:"dsn" yaml:"dsn"`
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

type NotifyConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	SMTPHost    string        `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort    int           `json:"smtp_port" yaml:"smtp_port"`
	Username    string        `json:"username" yaml:"username"`
	Password    string        `json:"password" yaml:"password"`
	From        string        `json:"from" yaml:"from"`
	Signature   string        `json:"signature" yaml:"signature"`
	Workers     int           `json:"workers" yaml:"workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`
}

type CaptureConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type ActivityConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 1024,
			MinTagLength:  10,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			UDP:           UDPConfig{Enabled: false, Addr: ":9001"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Violation: ViolationConfig{
			Mode:           ModeTimer,
			RestrictedZone: "Walker",
			WarningDelay:   60 * time.Second,
			FinalDelay:     120 * time.Second,
			Cooldown:       30 * time.Minute,
			PollInterval:   1 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:parkwatch.db?_pragma=busy_timeout(5000)", OpTimeout: 3 * time.Second},
		Notify: NotifyConfig{
			Enabled:     false,
			SMTPPort:    587,
			Signature:   "Campus Security",
			Workers:     2,
			QueueSize:   256,
			SendTimeout: 15 * time.Second,
		},
		Capture:  CaptureConfig{Enabled: false, Timeout: 5 * time.Second},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Activity: ActivityConfig{StoreLimit: 1000},
	}
}

// ViolationText is the description written on newly opened episodes.
func (v ViolationConfig) ViolationText() string {
	if d := strings.TrimSpace(v.Description); d != "" {
		return d
	}
	return "improperly parked in " + v.RestrictedZone
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.MinTagLength <= 0 {
		cfg.Ingest.MinTagLength = def.Ingest.MinTagLength
	}
	cfg.Violation.Mode = strings.ToLower(strings.TrimSpace(cfg.Violation.Mode))
	if cfg.Violation.Mode == "" {
		cfg.Violation.Mode = ModeTimer
	}
	if cfg.Violation.PollInterval <= 0 {
		cfg.Violation.PollInterval = def.Violation.PollInterval
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.OpTimeout <= 0 {
		cfg.Storage.OpTimeout = def.Storage.OpTimeout
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = def.Notify.Workers
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = def.Notify.QueueSize
	}
	if cfg.Notify.SendTimeout <= 0 {
		cfg.Notify.SendTimeout = def.Notify.SendTimeout
	}
	if cfg.Notify.SMTPPort <= 0 {
		cfg.Notify.SMTPPort = def.Notify.SMTPPort
	}
	if cfg.Capture.Timeout <= 0 {
		cfg.Capture.Timeout = def.Capture.Timeout
	}
	if cfg.Activity.StoreLimit <= 0 {
		cfg.Activity.StoreLimit = def.Activity.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.Debounce < 0 {
		return errors.New("ingest.debounce must be >= 0")
	}
	v := cfg.Violation
	if v.Mode != ModeTimer && v.Mode != ModePoll {
		return fmt.Errorf("violation.mode must be %q or %q, got %q", ModeTimer, ModePoll, v.Mode)
	}
	if strings.TrimSpace(v.RestrictedZone) == "" {
		return errors.New("violation.restricted_zone required")
	}
	if v.FinalDelay <= 0 {
		return errors.New("violation.final_delay must be > 0")
	}
	if v.WarningDelay < 0 || v.WarningDelay >= v.FinalDelay {
		return fmt.Errorf("violation.warning_delay must be in [0, final_delay), got %s", v.WarningDelay)
	}
	if v.Cooldown < 0 {
		return errors.New("violation.cooldown must be >= 0")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", cfg.Storage.Driver)
	}
	if cfg.Notify.Enabled && (cfg.Notify.SMTPHost == "" || cfg.Notify.From == "") {
		return errors.New("notify.smtp_host and notify.from required when notify.enabled is true")
	}
	if cfg.Capture.Enabled && cfg.Capture.URL == "" {
		return errors.New("capture.url required when capture.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Update keeps the value in memory
// only when the manager has no backing path.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
