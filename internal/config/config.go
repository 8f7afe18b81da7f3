// Package config loads pdfchat settings from a YAML file and PDFCHAT_*
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/omochice/pdfchat/pkg/protocol"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PDFCHAT_"

// Config holds all settings.
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Peer    PeerConfig    `yaml:"peer"`
	Store   StoreConfig   `yaml:"store"`
	UI      UIConfig      `yaml:"ui"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the chat connection.
type ClientConfig struct {
	Endpoint     string `yaml:"endpoint"`
	PayloadField string `yaml:"payload_field"` // payload, content
	FrameMode    string `yaml:"frame_mode"`    // raw, envelope
	MaxFileSize  string `yaml:"max_file_size"` // e.g. "10 MiB"
	WriteTimeout string `yaml:"write_timeout"`
	DropDir      string `yaml:"drop_dir"`
}

// PeerConfig configures the development backend.
type PeerConfig struct {
	Addr          string `yaml:"addr"`
	UploadDir     string `yaml:"upload_dir"`
	FrameMode     string `yaml:"frame_mode"`
	FragmentSize  int    `yaml:"fragment_size"`
	FragmentDelay string `yaml:"fragment_delay"`
	MaxFileSize   string `yaml:"max_file_size"`
}

// StoreConfig configures the transcript store. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// UIConfig configures the terminal interface.
type UIConfig struct {
	Plain          bool `yaml:"plain"`
	MaxInputHeight int  `yaml:"max_input_height"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Endpoint:     "ws://localhost:8000/ws",
			PayloadField: string(protocol.FieldPayload),
			FrameMode:    string(protocol.FrameRaw),
			MaxFileSize:  "10 MiB",
			WriteTimeout: "10s",
		},
		Peer: PeerConfig{
			Addr:          ":8000",
			UploadDir:     "received_pdfs",
			FrameMode:     string(protocol.FrameRaw),
			FragmentSize:  8,
			FragmentDelay: "30ms",
			MaxFileSize:   "10 MiB",
		},
		Store: StoreConfig{
			Path: DefaultDataPath(),
		},
		UI: UIConfig{
			MaxInputHeight: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "pdfchat.log",
		},
	}
}

// DefaultDataPath returns the transcript database location under the
// user's config directory.
func DefaultDataPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".pdfchat", "history")
	}
	return filepath.Join(dir, "pdfchat", "history")
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file or empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from PDFCHAT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ENDPOINT":            &c.Client.Endpoint,
		"PAYLOAD_FIELD":       &c.Client.PayloadField,
		"FRAME_MODE":          &c.Client.FrameMode,
		"MAX_FILE_SIZE":       &c.Client.MaxFileSize,
		"WRITE_TIMEOUT":       &c.Client.WriteTimeout,
		"DROP_DIR":            &c.Client.DropDir,
		"PEER_ADDR":           &c.Peer.Addr,
		"PEER_UPLOAD_DIR":     &c.Peer.UploadDir,
		"PEER_FRAME_MODE":     &c.Peer.FrameMode,
		"PEER_FRAGMENT_DELAY": &c.Peer.FragmentDelay,
		"DATA_PATH":           &c.Store.Path,
		"LOG_LEVEL":           &c.Logging.Level,
		"LOG_FILE":            &c.Logging.File,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PEER_FRAGMENT_SIZE": &c.Peer.FragmentSize,
		"MAX_INPUT_HEIGHT":   &c.UI.MaxInputHeight,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "PLAIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sPLAIN: %w", EnvPrefix, err)
		}
		c.UI.Plain = b
	}
	return nil
}

// Validate checks the client and logging settings.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Client.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", c.Client.Endpoint)
	}
	if _, err := protocol.ParsePayloadField(c.Client.PayloadField); err != nil {
		return err
	}
	if _, err := protocol.ParseFrameMode(c.Client.FrameMode); err != nil {
		return err
	}
	if _, err := parseSize(c.Client.MaxFileSize); err != nil {
		return fmt.Errorf("invalid max_file_size: %w", err)
	}
	if _, err := parseDuration(c.Client.WriteTimeout); err != nil {
		return fmt.Errorf("invalid write_timeout: %w", err)
	}
	if c.UI.MaxInputHeight < 1 {
		return fmt.Errorf("max_input_height must be at least 1, got %d", c.UI.MaxInputHeight)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// ValidatePeer checks the development backend settings.
func (c *Config) ValidatePeer() error {
	if c.Peer.Addr == "" {
		return fmt.Errorf("peer address is empty")
	}
	if _, err := protocol.ParseFrameMode(c.Peer.FrameMode); err != nil {
		return err
	}
	if c.Peer.FragmentSize < 1 {
		return fmt.Errorf("fragment_size must be at least 1, got %d", c.Peer.FragmentSize)
	}
	if _, err := parseDuration(c.Peer.FragmentDelay); err != nil {
		return fmt.Errorf("invalid fragment_delay: %w", err)
	}
	if _, err := parseSize(c.Peer.MaxFileSize); err != nil {
		return fmt.Errorf("invalid peer max_file_size: %w", err)
	}
	return nil
}

// GetPayloadField returns the parsed payload field, or the default.
func (c *ClientConfig) GetPayloadField() protocol.PayloadField {
	f, err := protocol.ParsePayloadField(c.PayloadField)
	if err != nil {
		return protocol.FieldPayload
	}
	return f
}

// GetFrameMode returns the parsed frame mode, or FrameRaw.
func (c *ClientConfig) GetFrameMode() protocol.FrameMode {
	m, err := protocol.ParseFrameMode(c.FrameMode)
	if err != nil {
		return protocol.FrameRaw
	}
	return m
}

// GetMaxFileSize returns the upload cap in bytes. Zero means no cap.
func (c *ClientConfig) GetMaxFileSize() int64 {
	n, err := parseSize(c.MaxFileSize)
	if err != nil {
		return 10 << 20
	}
	return n
}

// GetWriteTimeout returns the send timeout.
func (c *ClientConfig) GetWriteTimeout() time.Duration {
	d, err := parseDuration(c.WriteTimeout)
	if err != nil || d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetFrameMode returns the parsed frame mode, or FrameRaw.
func (c *PeerConfig) GetFrameMode() protocol.FrameMode {
	m, err := protocol.ParseFrameMode(c.FrameMode)
	if err != nil {
		return protocol.FrameRaw
	}
	return m
}

// GetFragmentDelay returns the pause between reply fragments.
func (c *PeerConfig) GetFragmentDelay() time.Duration {
	d, err := parseDuration(c.FragmentDelay)
	if err != nil {
		return 0
	}
	return d
}

// GetMaxFileSize returns the upload cap in bytes. Zero means no cap.
func (c *PeerConfig) GetMaxFileSize() int64 {
	n, err := parseSize(c.MaxFileSize)
	if err != nil {
		return 0
	}
	return n
}

// parseSize accepts human sizes like "10 MiB" or "500kB". Empty means 0.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<40 {
		return 0, fmt.Errorf("%s is too large", s)
	}
	return int64(n), nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
