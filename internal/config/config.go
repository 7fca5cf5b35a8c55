// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/cilab/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `cilab:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Kafka          GlobalKafkaConfig    `mapstructure:"kafka"`
	Uplink         UplinkConfig         `mapstructure:"uplink"`
	Source         SourceConfig         `mapstructure:"source"`
	Decoder        DecoderConfig        `mapstructure:"decoder"`
	Bus            BusConfig            `mapstructure:"bus"`
	Housekeeping   HousekeepingConfig   `mapstructure:"housekeeping"`
	Link           LinkConfig           `mapstructure:"link"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Kafka Global Default ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
// bus.kafka and command_channel.kafka inherit from here when their fields are empty.
type GlobalKafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// ─── Uplink ───

// UplinkConfig configures reassembly and the per-poll drain loop.
type UplinkConfig struct {
	ReassemblyCapacity int    `mapstructure:"reassembly_capacity"`
	StagingCapacity    int    `mapstructure:"staging_capacity"`
	StagingBuffers     int    `mapstructure:"staging_buffers"`
	IdleThreshold      string `mapstructure:"idle_threshold"` // whole seconds are significant
	MaxFramesPerPoll   int    `mapstructure:"max_frames_per_poll"`
	PollInterval       string `mapstructure:"poll_interval"`
	OnPublishFailure   string `mapstructure:"on_publish_failure"` // retain | drop
	MaxPublishRetries  int    `mapstructure:"max_publish_retries"`
}

// IdleThresholdDuration returns the parsed idle threshold.
func (u UplinkConfig) IdleThresholdDuration() time.Duration {
	return mustDuration(u.IdleThreshold)
}

// PollIntervalDuration returns the parsed host scheduling period.
func (u UplinkConfig) PollIntervalDuration() time.Duration {
	return mustDuration(u.PollInterval)
}

// ─── Frame Source ───

// SourceConfig selects and configures the frame source.
type SourceConfig struct {
	Type string          `mapstructure:"type"` // udp | pcap
	UDP  UDPSourceConfig `mapstructure:"udp"`
	Pcap PcapConfig      `mapstructure:"pcap"`
}

// UDPSourceConfig configures the radio gateway datagram listener.
type UDPSourceConfig struct {
	Listen     string `mapstructure:"listen"`
	LinkHeader bool   `mapstructure:"link_header"` // datagrams carry [sender u8][rssi i8] first
	QueueSize  int    `mapstructure:"queue_size"`
	BatchSize  int    `mapstructure:"batch_size"`
	MaxFrame   int    `mapstructure:"max_frame"`

	// MaxFramesPerWindow caps frames accepted from one gateway address per
	// RateWindow; 0 disables the cap.
	MaxFramesPerWindow int    `mapstructure:"max_frames_per_window"`
	RateWindow         string `mapstructure:"rate_window"`
}

// PcapConfig configures replay of a captured gateway session.
type PcapConfig struct {
	Path       string  `mapstructure:"path"`
	Speed      float64 `mapstructure:"speed"` // 1.0 = capture timing, 0 = as fast as possible
	Port       int     `mapstructure:"port"`  // UDP port carrying frames; 0 = any
	LinkHeader bool    `mapstructure:"link_header"`
}

// ─── Decoder ───

// DecoderConfig selects the uplink message format.
type DecoderConfig struct {
	Type    string         `mapstructure:"type"` // ccsds | cbor
	Options map[string]any `mapstructure:"options"`
}

// ─── Software Bus ───

// BusConfig selects the software bus publisher.
type BusConfig struct {
	Type   string          `mapstructure:"type"` // memory | kafka
	Memory MemoryBusConfig `mapstructure:"memory"`
	Kafka  KafkaBusConfig  `mapstructure:"kafka"`
}

// MemoryBusConfig configures the in-process bus.
type MemoryBusConfig struct {
	Partitions int `mapstructure:"partitions"`
	QueueSize  int `mapstructure:"queue_size"`
}

// KafkaBusConfig configures the Kafka bus publisher.
type KafkaBusConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	Compression  string   `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	Encoding     string   `mapstructure:"encoding"`    // json | protobuf
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
}

// ─── Housekeeping ───

// HousekeepingConfig configures periodic housekeeping telemetry.
type HousekeepingConfig struct {
	Interval string `mapstructure:"interval"` // "0" disables the periodic report
	MsgID    uint16 `mapstructure:"msg_id"`
}

// ─── Link ───

// LinkConfig configures the sender link table.
type LinkConfig struct {
	SenderTTL string `mapstructure:"sender_ttl"`
}

// ─── Command Channel ───

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL string             `mapstructure:"command_ttl"`

	// UplinkMsgID is the message id of command packets received over the
	// uplink. They are dispatched whether or not Kafka is enabled.
	UplinkMsgID uint16 `mapstructure:"uplink_msg_id"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	ResponseTopic   string   `mapstructure:"response_topic"` // empty = responses not published
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `cilab: ...`.
type configRoot struct {
	Cilab GlobalConfig `mapstructure:"cilab"`
}

// Load loads configuration from file.
// The YAML file uses `cilab:` as root key; env vars use the CILAB_ prefix
// (e.g. CILAB_UPLINK_IDLE_THRESHOLD).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration used when no file is given.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// key "cilab.log.level" -> env "CILAB_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Cilab

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "cilab." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("cilab.control.pid_file", "/var/run/cilab.pid")
	v.SetDefault("cilab.control.socket", "/var/run/cilab.sock")

	v.SetDefault("cilab.uplink.reassembly_capacity", 5000)
	v.SetDefault("cilab.uplink.staging_capacity", 768)
	v.SetDefault("cilab.uplink.staging_buffers", 1)
	v.SetDefault("cilab.uplink.idle_threshold", "4s")
	v.SetDefault("cilab.uplink.max_frames_per_poll", 30)
	v.SetDefault("cilab.uplink.poll_interval", "500ms")
	v.SetDefault("cilab.uplink.on_publish_failure", "retain")
	v.SetDefault("cilab.uplink.max_publish_retries", 3)

	v.SetDefault("cilab.source.type", "udp")
	v.SetDefault("cilab.source.udp.listen", ":1234")
	v.SetDefault("cilab.source.udp.link_header", false)
	v.SetDefault("cilab.source.udp.queue_size", 256)
	v.SetDefault("cilab.source.udp.batch_size", 16)
	v.SetDefault("cilab.source.udp.max_frame", 255)
	v.SetDefault("cilab.source.udp.max_frames_per_window", 0)
	v.SetDefault("cilab.source.udp.rate_window", "1s")
	v.SetDefault("cilab.source.pcap.speed", 1.0)

	v.SetDefault("cilab.decoder.type", "ccsds")

	v.SetDefault("cilab.bus.type", "memory")
	v.SetDefault("cilab.bus.memory.partitions", 4)
	v.SetDefault("cilab.bus.memory.queue_size", 64)
	v.SetDefault("cilab.bus.kafka.topic", "cilab-bus")
	v.SetDefault("cilab.bus.kafka.compression", "snappy")
	v.SetDefault("cilab.bus.kafka.encoding", "json")
	v.SetDefault("cilab.bus.kafka.batch_size", 100)
	v.SetDefault("cilab.bus.kafka.batch_timeout", "100ms")

	v.SetDefault("cilab.housekeeping.interval", "10s")
	v.SetDefault("cilab.housekeeping.msg_id", 0x0884)

	v.SetDefault("cilab.link.sender_ttl", "5m")

	v.SetDefault("cilab.command_channel.enabled", false)
	v.SetDefault("cilab.command_channel.type", "kafka")
	v.SetDefault("cilab.command_channel.kafka.auto_offset_reset", "latest")
	v.SetDefault("cilab.command_channel.command_ttl", "5m")
	v.SetDefault("cilab.command_channel.uplink_msg_id", 0x1884)

	v.SetDefault("cilab.metrics.enabled", true)
	v.SetDefault("cilab.metrics.listen", ":9091")
	v.SetDefault("cilab.metrics.path", "/metrics")

	v.SetDefault("cilab.log.level", "info")
	v.SetDefault("cilab.log.format", "json")
	v.SetDefault("cilab.log.outputs.file.enabled", false)
	v.SetDefault("cilab.log.outputs.file.path", "/var/log/cilab/cilab.log")
	v.SetDefault("cilab.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("cilab.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("cilab.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("cilab.log.outputs.file.rotation.compress", true)
	v.SetDefault("cilab.log.outputs.loki.batch_size", 100)
	v.SetDefault("cilab.log.outputs.loki.batch_timeout", "1s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every error wraps core.ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

func (cfg *GlobalConfig) validate() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki is enabled")
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Uplink ──
	u := &cfg.Uplink
	if u.ReassemblyCapacity <= 0 {
		return fmt.Errorf("uplink.reassembly_capacity must be positive, got %d", u.ReassemblyCapacity)
	}
	if u.StagingCapacity <= 0 {
		return fmt.Errorf("uplink.staging_capacity must be positive, got %d", u.StagingCapacity)
	}
	if u.StagingBuffers <= 0 {
		u.StagingBuffers = 1
	}
	if u.MaxFramesPerPoll <= 0 {
		return fmt.Errorf("uplink.max_frames_per_poll must be positive, got %d", u.MaxFramesPerPoll)
	}
	idle, err := parseDuration("uplink.idle_threshold", u.IdleThreshold)
	if err != nil {
		return err
	}
	if idle < time.Second {
		return fmt.Errorf("uplink.idle_threshold must be at least 1s, got %s", u.IdleThreshold)
	}
	if d, err := parseDuration("uplink.poll_interval", u.PollInterval); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("uplink.poll_interval must be positive, got %s", u.PollInterval)
	}
	if u.OnPublishFailure != "retain" && u.OnPublishFailure != "drop" {
		return fmt.Errorf("invalid uplink.on_publish_failure: %s (must be retain/drop)", u.OnPublishFailure)
	}

	// ── Source ──
	switch cfg.Source.Type {
	case "udp":
		if cfg.Source.UDP.Listen == "" {
			return fmt.Errorf("source.udp.listen is required for the udp source")
		}
		if cfg.Source.UDP.MaxFramesPerWindow < 0 {
			return fmt.Errorf("source.udp.max_frames_per_window must not be negative")
		}
		if _, err := parseDuration("source.udp.rate_window", cfg.Source.UDP.RateWindow); err != nil {
			return err
		}
	case "pcap":
		if cfg.Source.Pcap.Speed < 0 {
			return fmt.Errorf("source.pcap.speed must not be negative")
		}
	default:
		return fmt.Errorf("unsupported source.type: %s (must be udp/pcap)", cfg.Source.Type)
	}

	// ── Decoder ──
	if cfg.Decoder.Type != "ccsds" && cfg.Decoder.Type != "cbor" {
		return fmt.Errorf("unsupported decoder.type: %s (must be ccsds/cbor)", cfg.Decoder.Type)
	}

	applyKafkaInheritance(cfg)

	// ── Bus ──
	switch cfg.Bus.Type {
	case "memory":
		if cfg.Bus.Memory.Partitions <= 0 || cfg.Bus.Memory.QueueSize <= 0 {
			return fmt.Errorf("bus.memory.partitions and bus.memory.queue_size must be positive")
		}
	case "kafka":
		if len(cfg.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("bus.kafka.brokers is required when bus.type=kafka")
		}
		if cfg.Bus.Kafka.Encoding != "json" && cfg.Bus.Kafka.Encoding != "protobuf" {
			return fmt.Errorf("invalid bus.kafka.encoding: %s (must be json/protobuf)", cfg.Bus.Kafka.Encoding)
		}
		if _, err := parseDuration("bus.kafka.batch_timeout", cfg.Bus.Kafka.BatchTimeout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported bus.type: %s (must be memory/kafka)", cfg.Bus.Type)
	}

	// ── Housekeeping / link ──
	if _, err := parseDuration("housekeeping.interval", cfg.Housekeeping.Interval); err != nil {
		return err
	}
	if _, err := parseDuration("link.sender_ttl", cfg.Link.SenderTTL); err != nil {
		return err
	}

	// ── Command channel ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("unsupported command_channel.type: %s (only 'kafka' supported)", cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("command_channel.kafka.brokers is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("command_channel.kafka.topic is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "cilab-" + cfg.Node.Hostname
		}
	}

	return nil
}

// applyKafkaInheritance fills empty broker lists from the global kafka section.
func applyKafkaInheritance(cfg *GlobalConfig) {
	if len(cfg.Bus.Kafka.Brokers) == 0 {
		cfg.Bus.Kafka.Brokers = cfg.Kafka.Brokers
	}
	if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
		cfg.CommandChannel.Kafka.Brokers = cfg.Kafka.Brokers
	}
}

// ParseDuration parses a duration field; empty and "0" both mean zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// mustDuration is used on fields already checked by ValidateAndApplyDefaults.
func mustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
