package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/ntbqp/internal/ntb"
	"github.com/yuuki/ntbqp/internal/transport"
)

// Config holds configuration for an ntbqp node
type Config struct {
	NodeName  string
	LogLevel  string
	Transport TransportConfig
	Device    DeviceConfig
	PingPong  PingPongConfig
	Flap      FlapConfig
	Metrics   MetricsConfig
}

// TransportConfig mirrors transport.Config with millisecond intervals
type TransportConfig struct {
	MTU                   int
	MaxQPs                int
	RxEntries             int
	TxEntries             int
	RxBatch               int
	UseDMA                bool
	DMAThreshold          int
	DMAAlign              int
	LinkRetryIntervalMS   uint32
	QPLinkRetryIntervalMS uint32
	DMADrainTimeoutMS     uint32
}

// DeviceConfig describes the simulated device pair
type DeviceConfig struct {
	MWCount   int
	MWSize    uint64
	MWAlign   uint64
	SpadCount int
	DBCount   int
}

// PingPongConfig controls the ping-pong workers
type PingPongConfig struct {
	Enabled       bool
	Queues        int
	RatePerSecond int
	PayloadSize   int
	TimeoutMS     uint32
}

// FlapConfig controls the link flap injector. Zero disables it.
type FlapConfig struct {
	IntervalMS uint32
}

// MetricsConfig controls the OpenTelemetry exporter
type MetricsConfig struct {
	Enabled           bool
	OtelCollectorAddr string
}

// SetupFlags sets up the command line flags for the node
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("node-name", "", "Name reported in logs and metrics (default hostname)")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Int("mtu", transport.DefaultMTU, "Largest payload per frame")
	flagSet.Int("max-qps", 0, "Upper bound on queue pairs per transport (0 = device limit)")
	flagSet.Bool("use-dma", false, "Offload large copies to DMA channels")
	flagSet.Int("pingpong-rate", 100, "Ping-pong probes per second per queue")
	flagSet.Uint32("flap-interval-ms", 0, "Interval between injected link flaps (0 disables)")
	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OpenTelemetry collector address")
}

// flagKeys maps flag names to the config keys they override.
var flagKeys = map[string]string{
	"node-name":           "node_name",
	"log-level":           "log_level",
	"mtu":                 "transport.mtu",
	"max-qps":             "transport.max_qps",
	"use-dma":             "transport.use_dma",
	"pingpong-rate":       "pingpong.rate_per_second",
	"flap-interval-ms":    "flap.interval_ms",
	"metrics-enabled":     "metrics.enabled",
	"otel-collector-addr": "metrics.otel_collector_addr",
}

func setDefaults(v *viper.Viper) {
	def := transport.DefaultConfig()

	v.SetDefault("node_name", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("transport.mtu", def.MTU)
	v.SetDefault("transport.max_qps", def.MaxQPs)
	v.SetDefault("transport.rx_entries", def.RxEntries)
	v.SetDefault("transport.tx_entries", def.TxEntries)
	v.SetDefault("transport.rx_batch", def.RxBatch)
	v.SetDefault("transport.use_dma", def.UseDMA)
	v.SetDefault("transport.dma_threshold", def.DMAThreshold)
	v.SetDefault("transport.dma_align", 8)
	v.SetDefault("transport.link_retry_interval_ms", def.LinkRetryInterval.Milliseconds())
	v.SetDefault("transport.qp_link_retry_interval_ms", def.QPLinkRetryInterval.Milliseconds())
	v.SetDefault("transport.dma_drain_timeout_ms", def.DMADrainTimeout.Milliseconds())

	sim := ntb.DefaultSimConfig()
	v.SetDefault("device.mw_count", sim.MWCount)
	v.SetDefault("device.mw_size", sim.MWSize)
	v.SetDefault("device.mw_align", sim.MWAlign)
	v.SetDefault("device.spad_count", sim.SpadCount)
	v.SetDefault("device.db_count", sim.DBCount)

	v.SetDefault("pingpong.enabled", true)
	v.SetDefault("pingpong.queues", 1)
	v.SetDefault("pingpong.rate_per_second", 100)
	v.SetDefault("pingpong.payload_size", 64)
	v.SetDefault("pingpong.timeout_ms", 500)

	v.SetDefault("flap.interval_ms", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.otel_collector_addr", "localhost:4317")
}

// Load loads the configuration from defaults, a config file, NTBQP_*
// environment variables and finally the flags that were set
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("NTBQP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := ""
	if flagSet != nil {
		configPath, _ = flagSet.GetString("config")
		for name, key := range flagKeys {
			if f := flagSet.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ntbqp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ntbqp")
		v.AddConfigPath("/etc/ntbqp")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		NodeName: v.GetString("node_name"),
		LogLevel: v.GetString("log_level"),
		Transport: TransportConfig{
			MTU:                   v.GetInt("transport.mtu"),
			MaxQPs:                v.GetInt("transport.max_qps"),
			RxEntries:             v.GetInt("transport.rx_entries"),
			TxEntries:             v.GetInt("transport.tx_entries"),
			RxBatch:               v.GetInt("transport.rx_batch"),
			UseDMA:                v.GetBool("transport.use_dma"),
			DMAThreshold:          v.GetInt("transport.dma_threshold"),
			DMAAlign:              v.GetInt("transport.dma_align"),
			LinkRetryIntervalMS:   v.GetUint32("transport.link_retry_interval_ms"),
			QPLinkRetryIntervalMS: v.GetUint32("transport.qp_link_retry_interval_ms"),
			DMADrainTimeoutMS:     v.GetUint32("transport.dma_drain_timeout_ms"),
		},
		Device: DeviceConfig{
			MWCount:   v.GetInt("device.mw_count"),
			MWSize:    v.GetUint64("device.mw_size"),
			MWAlign:   v.GetUint64("device.mw_align"),
			SpadCount: v.GetInt("device.spad_count"),
			DBCount:   v.GetInt("device.db_count"),
		},
		PingPong: PingPongConfig{
			Enabled:       v.GetBool("pingpong.enabled"),
			Queues:        v.GetInt("pingpong.queues"),
			RatePerSecond: v.GetInt("pingpong.rate_per_second"),
			PayloadSize:   v.GetInt("pingpong.payload_size"),
			TimeoutMS:     v.GetUint32("pingpong.timeout_ms"),
		},
		Flap: FlapConfig{
			IntervalMS: v.GetUint32("flap.interval_ms"),
		},
		Metrics: MetricsConfig{
			Enabled:           v.GetBool("metrics.enabled"),
			OtelCollectorAddr: v.GetString("metrics.otel_collector_addr"),
		},
	}
	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that the transport does not check itself
func (c *Config) Validate() error {
	if err := c.Transport.ToTransport().Validate(); err != nil {
		return fmt.Errorf("invalid transport config: %w", err)
	}
	if c.Device.MWCount <= 0 || c.Device.MWSize == 0 {
		return fmt.Errorf("invalid device config: mw_count=%d mw_size=%d", c.Device.MWCount, c.Device.MWSize)
	}
	if c.PingPong.Enabled {
		if c.PingPong.Queues <= 0 || c.PingPong.RatePerSecond <= 0 || c.PingPong.TimeoutMS == 0 {
			return fmt.Errorf("invalid pingpong config: queues=%d rate=%d timeout_ms=%d",
				c.PingPong.Queues, c.PingPong.RatePerSecond, c.PingPong.TimeoutMS)
		}
		if c.PingPong.PayloadSize < 0 {
			return fmt.Errorf("invalid pingpong payload size %d", c.PingPong.PayloadSize)
		}
	}
	return nil
}

// ToTransport converts to the transport's own config type
func (c TransportConfig) ToTransport() transport.Config {
	return transport.Config{
		MTU:                 c.MTU,
		MaxQPs:              c.MaxQPs,
		RxEntries:           c.RxEntries,
		TxEntries:           c.TxEntries,
		RxBatch:             c.RxBatch,
		UseDMA:              c.UseDMA,
		DMAThreshold:        c.DMAThreshold,
		LinkRetryInterval:   time.Duration(c.LinkRetryIntervalMS) * time.Millisecond,
		QPLinkRetryInterval: time.Duration(c.QPLinkRetryIntervalMS) * time.Millisecond,
		DMADrainTimeout:     time.Duration(c.DMADrainTimeoutMS) * time.Millisecond,
	}
}

// ToSim converts to the simulated device pair geometry
func (c DeviceConfig) ToSim() ntb.SimConfig {
	return ntb.SimConfig{
		MWCount:   c.MWCount,
		MWSize:    c.MWSize,
		MWAlign:   c.MWAlign,
		SpadCount: c.SpadCount,
		DBCount:   c.DBCount,
	}
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(path string) error {
	// Default config content
	configContent := `# ntbqp Configuration
node_name: "" # Leave empty to use hostname
log_level: "info" # trace, debug, info, warn, error

transport:
  mtu: 65536
  max_qps: 0 # 0 = as many as the device has doorbells
  rx_entries: 100
  tx_entries: 100
  rx_batch: 64
  use_dma: false
  dma_threshold: 1024 # bytes
  dma_align: 8
  link_retry_interval_ms: 10
  qp_link_retry_interval_ms: 10
  dma_drain_timeout_ms: 1000

device: # simulated back-to-back pair
  mw_count: 1
  mw_size: 16777216 # 16 MiB
  mw_align: 4096
  spad_count: 16
  db_count: 16

pingpong:
  enabled: true
  queues: 1
  rate_per_second: 100
  payload_size: 64
  timeout_ms: 500

flap:
  interval_ms: 0 # 0 disables link flap injection

metrics:
  enabled: false
  otel_collector_addr: "localhost:4317"
`

	return writeConfigFile(path, configContent)
}
