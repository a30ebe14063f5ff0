// SPDX-License-Identifier: MIT

// Package config loads and persists the gateway configuration. Values
// come from the YAML file first, then environment variables override.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/camtuner/camtuner/internal/registry"
)

// Duration is a time.Duration that YAML-encodes as a Go duration string
// such as "30s".
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig holds the HTTP listener and tuner identity.
type ServerConfig struct {
	Name     string `yaml:"name,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	DeviceID string `yaml:"device_id,omitempty"`
	Tuners   int    `yaml:"tuners,omitempty"`
}

// StreamConfig holds process supervision tunables.
type StreamConfig struct {
	FFmpeg        string   `yaml:"ffmpeg,omitempty"`
	FFprobe       string   `yaml:"ffprobe,omitempty"`
	Backoff       Duration `yaml:"backoff,omitempty"`
	MaxBackoff    Duration `yaml:"max_backoff,omitempty"`
	MaxRestarts   int      `yaml:"max_restarts,omitempty"`
	HealthyReset  Duration `yaml:"healthy_reset,omitempty"`
	WarmupTimeout Duration `yaml:"warmup_timeout,omitempty"`
	IdleGrace     Duration `yaml:"idle_grace,omitempty"`
	StopGrace     Duration `yaml:"stop_grace,omitempty"`
	ProbeTimeout  Duration `yaml:"probe_timeout,omitempty"`
}

// EPGConfig holds guide generation defaults.
type EPGConfig struct {
	Hours       int `yaml:"hours,omitempty"`
	SlotMinutes int `yaml:"slot_minutes,omitempty"`
}

// ChannelConfig is the YAML form of one channel.
type ChannelConfig struct {
	ID             int               `yaml:"id,omitempty"`
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url,omitempty"`
	Sources        []int             `yaml:"sources,omitempty"`
	Transport      string            `yaml:"transport,omitempty"`
	Username       string            `yaml:"username,omitempty"`
	Password       string            `yaml:"password,omitempty"`
	AuthMode       string            `yaml:"auth_mode,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TranscodeAudio bool              `yaml:"transcode_audio,omitempty"`
	TvgID          string            `yaml:"tvg_id,omitempty"`
	TvgLogo        string            `yaml:"tvg_logo,omitempty"`
	EPGTitle       string            `yaml:"epg_title,omitempty"`
	EPGDesc        string            `yaml:"epg_desc,omitempty"`
}

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	LogLevel string          `yaml:"log_level,omitempty"`
	Stream   StreamConfig    `yaml:"stream,omitempty"`
	EPG      EPGConfig       `yaml:"epg,omitempty"`
	Channels []ChannelConfig `yaml:"channels,omitempty"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Name:   "camtuner",
			Port:   5004,
			Tuners: 4,
		},
		LogLevel: "info",
		Stream: StreamConfig{
			FFmpeg:        "ffmpeg",
			FFprobe:       "ffprobe",
			Backoff:       Duration(time.Second),
			MaxBackoff:    Duration(30 * time.Second),
			MaxRestarts:   5,
			HealthyReset:  Duration(2 * time.Minute),
			WarmupTimeout: Duration(3 * time.Second),
			IdleGrace:     Duration(5 * time.Second),
			StopGrace:     Duration(2 * time.Second),
			ProbeTimeout:  Duration(12 * time.Second),
		},
		EPG: EPGConfig{Hours: 24, SlotMinutes: 60},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. A missing file yields the defaults; env
// overrides still apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			dec := yaml.NewDecoder(strings.NewReader(string(data)))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Name = ParseString("CAMTUNER_NAME", c.Server.Name)
	c.Server.Host = ParseString("CAMTUNER_HOST", c.Server.Host)
	c.Server.Port = ParseInt("CAMTUNER_PORT", c.Server.Port)
	c.Server.DeviceID = ParseString("CAMTUNER_DEVICE_ID", c.Server.DeviceID)
	c.Server.Tuners = ParseInt("CAMTUNER_TUNERS", c.Server.Tuners)
	c.LogLevel = ParseString("CAMTUNER_LOG_LEVEL", c.LogLevel)
	c.Stream.FFmpeg = ParseString("CAMTUNER_FFMPEG", c.Stream.FFmpeg)
	c.Stream.FFprobe = ParseString("CAMTUNER_FFPROBE", c.Stream.FFprobe)
	c.Stream.Backoff = Duration(ParseDuration("CAMTUNER_BACKOFF", c.Stream.Backoff.Std()))
	c.Stream.MaxBackoff = Duration(ParseDuration("CAMTUNER_MAX_BACKOFF", c.Stream.MaxBackoff.Std()))
	c.Stream.MaxRestarts = ParseInt("CAMTUNER_MAX_RESTARTS", c.Stream.MaxRestarts)
	c.Stream.HealthyReset = Duration(ParseDuration("CAMTUNER_HEALTHY_RESET", c.Stream.HealthyReset.Std()))
	c.Stream.WarmupTimeout = Duration(ParseDuration("CAMTUNER_WARMUP_TIMEOUT", c.Stream.WarmupTimeout.Std()))
	c.Stream.IdleGrace = Duration(ParseDuration("CAMTUNER_IDLE_GRACE", c.Stream.IdleGrace.Std()))
	c.Stream.StopGrace = Duration(ParseDuration("CAMTUNER_STOP_GRACE", c.Stream.StopGrace.Std()))
	c.Stream.ProbeTimeout = Duration(ParseDuration("CAMTUNER_PROBE_TIMEOUT", c.Stream.ProbeTimeout.Std()))
	c.EPG.Hours = ParseInt("CAMTUNER_EPG_HOURS", c.EPG.Hours)
	c.EPG.SlotMinutes = ParseInt("CAMTUNER_EPG_SLOT_MINUTES", c.EPG.SlotMinutes)
}

// Validate checks the loaded configuration for fatal mistakes. Channel
// semantics are validated again by the registry on load.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Stream.FFmpeg == "" {
		return fmt.Errorf("ffmpeg binary must not be empty")
	}
	if c.Stream.FFprobe == "" {
		return fmt.Errorf("ffprobe binary must not be empty")
	}
	for i, ch := range c.Channels {
		if ch.URL == "" && len(ch.Sources) == 0 {
			return fmt.Errorf("channel %d (%q): needs url or sources", i, ch.Name)
		}
		if ch.URL != "" && len(ch.Sources) > 0 {
			return fmt.Errorf("channel %d (%q): url and sources are mutually exclusive", i, ch.Name)
		}
	}
	return nil
}

// ToChannel maps one YAML channel onto the registry model.
func (cc ChannelConfig) ToChannel() registry.Channel {
	ch := registry.Channel{
		ID:             cc.ID,
		Name:           cc.Name,
		Transport:      registry.Transport(cc.Transport),
		Username:       cc.Username,
		Password:       cc.Password,
		AuthMode:       registry.AuthMode(cc.AuthMode),
		Headers:        cc.Headers,
		TranscodeAudio: cc.TranscodeAudio,
		Guide: registry.Guide{
			TvgID: cc.TvgID,
			Logo:  cc.TvgLogo,
			Title: cc.EPGTitle,
			Desc:  cc.EPGDesc,
		},
	}
	switch {
	case len(cc.Sources) > 0:
		ch.Source = registry.Source{Kind: registry.KindMosaic, Members: append([]int(nil), cc.Sources...)}
	case strings.HasPrefix(strings.ToLower(cc.URL), "rtsp://"):
		ch.Source = registry.Source{Kind: registry.KindRTSP, Locator: cc.URL}
	default:
		ch.Source = registry.Source{Kind: registry.KindHLS, Locator: cc.URL}
	}
	return ch
}

// FromChannel maps a registry channel back onto its YAML form.
func FromChannel(ch registry.Channel) ChannelConfig {
	cc := ChannelConfig{
		ID:             ch.ID,
		Name:           ch.Name,
		Transport:      string(ch.Transport),
		Username:       ch.Username,
		Password:       ch.Password,
		AuthMode:       string(ch.AuthMode),
		Headers:        ch.Headers,
		TranscodeAudio: ch.TranscodeAudio,
		TvgID:          ch.Guide.TvgID,
		TvgLogo:        ch.Guide.Logo,
		EPGTitle:       ch.Guide.Title,
		EPGDesc:        ch.Guide.Desc,
	}
	if ch.IsMosaic() {
		cc.Sources = append([]int(nil), ch.Source.Members...)
	} else {
		cc.URL = ch.Source.Locator
	}
	if cc.Transport == string(registry.TransportAuto) {
		cc.Transport = ""
	}
	if cc.AuthMode == string(registry.AuthAuto) {
		cc.AuthMode = ""
	}
	return cc
}

// Save atomically persists the configuration. Channel edits made via the
// management API survive a restart this way.
func Save(path string, cfg Config) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	enc := yaml.NewEncoder(pending)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish config encoding: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config: %w", err)
	}
	return nil
}
