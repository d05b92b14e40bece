// Package config loads the daemon's bootstrap configuration (bind port,
// AEC params, timeouts, contacts) from YAML, and the contact list CSV it
// references. This is process bootstrap, distinct from internal/settings'
// mutable user-adjustable record.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenPort       = 47000
	defaultRingingTimeoutMs = 30000
	defaultPingIntervalMs   = 4000
	defaultConnectTimeout   = 5 * time.Second
	defaultRefDelayMs       = 80
	defaultControlSocket    = "/run/intercomd.sock"
)

// Config is the daemon's resolved bootstrap configuration.
type Config struct {
	ListenPort       int
	LocalName        string
	AutoAnswer       bool
	RingingTimeoutMs int64
	PingIntervalMs   int64
	ConnectTimeout   time.Duration

	AECEnabled    bool
	RefDelayMs    int
	MicGainDB     int

	ControlSocket string
	SettingsPath  string
	Contacts      []Contact
}

type yamlConfig struct {
	Endpoint struct {
		ListenPort       int    `yaml:"listen_port"`
		LocalName        string `yaml:"local_name"`
		AutoAnswer       bool   `yaml:"auto_answer"`
		RingingTimeoutMs int64  `yaml:"ringing_timeout_ms"`
		PingIntervalMs   int64  `yaml:"ping_interval_ms"`
		ConnectTimeout   string `yaml:"connect_timeout"`
	} `yaml:"endpoint"`
	Audio struct {
		AECEnabled bool `yaml:"aec_enabled"`
		RefDelayMs int  `yaml:"ref_delay_ms"`
		MicGainDB  int  `yaml:"mic_gain_db"`
	} `yaml:"audio"`
	Control struct {
		Socket       string `yaml:"socket"`
		SettingsPath string `yaml:"settings_path"`
	} `yaml:"control"`
	ContactsFile string `yaml:"contacts_file"`
}

// Load reads and validates a YAML config file at path, applying defaults
// before the file's values override them, matching the teacher's
// two-struct (Config / yamlConfig) staging pattern.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenPort:       defaultListenPort,
		LocalName:        "intercom",
		RingingTimeoutMs: defaultRingingTimeoutMs,
		PingIntervalMs:   defaultPingIntervalMs,
		ConnectTimeout:   defaultConnectTimeout,
		RefDelayMs:       defaultRefDelayMs,
		ControlSocket:    defaultControlSocket,
		SettingsPath:     "/var/lib/intercomd/settings.json",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if yc.Endpoint.ListenPort > 0 {
		cfg.ListenPort = yc.Endpoint.ListenPort
	}
	if yc.Endpoint.LocalName != "" {
		cfg.LocalName = yc.Endpoint.LocalName
	}
	cfg.AutoAnswer = yc.Endpoint.AutoAnswer
	if yc.Endpoint.RingingTimeoutMs > 0 {
		cfg.RingingTimeoutMs = yc.Endpoint.RingingTimeoutMs
	}
	if yc.Endpoint.PingIntervalMs > 0 {
		cfg.PingIntervalMs = yc.Endpoint.PingIntervalMs
	}
	if yc.Endpoint.ConnectTimeout != "" {
		d, err := time.ParseDuration(yc.Endpoint.ConnectTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid endpoint.connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	cfg.AECEnabled = yc.Audio.AECEnabled
	if yc.Audio.RefDelayMs > 0 {
		cfg.RefDelayMs = yc.Audio.RefDelayMs
	}
	if cfg.RefDelayMs < 20 || cfg.RefDelayMs > 100 {
		return Config{}, fmt.Errorf("config: audio.ref_delay_ms must be in [20,100], got %d", cfg.RefDelayMs)
	}
	cfg.MicGainDB = yc.Audio.MicGainDB
	if cfg.MicGainDB < -20 || cfg.MicGainDB > 20 {
		return Config{}, fmt.Errorf("config: audio.mic_gain_db must be in [-20,20], got %d", cfg.MicGainDB)
	}

	if yc.Control.Socket != "" {
		cfg.ControlSocket = yc.Control.Socket
	}
	if yc.Control.SettingsPath != "" {
		cfg.SettingsPath = yc.Control.SettingsPath
	}

	if yc.ContactsFile != "" {
		contacts, err := LoadContacts(yc.ContactsFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.Contacts = contacts
	}

	return cfg, nil
}
