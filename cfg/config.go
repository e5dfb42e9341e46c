package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration describes the upstream database connection.
type SourceConfiguration struct {
	// DSN for the maintenance connection (queries, slot management).
	DSN string `toml:"dsn"`
	// ReplicationDSN for the streaming connection; defaults to DSN with
	// replication=database appended when empty.
	ReplicationDSN string `toml:"replication_dsn"`
	SlotName       string `toml:"slot_name"`
	Publication    string `toml:"publication"`
}

// EffectiveReplicationDSN returns the streaming DSN, derived from the
// maintenance DSN when not set explicitly.
func (s *SourceConfiguration) EffectiveReplicationDSN() string {
	if s.ReplicationDSN != "" {
		return s.ReplicationDSN
	}
	if strings.Contains(s.DSN, "://") {
		sep := "?"
		if strings.Contains(s.DSN, "?") {
			sep = "&"
		}
		return s.DSN + sep + "replication=database"
	}
	return s.DSN + " replication=database"
}

// ProducerConfiguration controls the transaction producer.
type ProducerConfiguration struct {
	// SlotAdvanceIntervalSeconds between retained-position recomputes.
	SlotAdvanceIntervalSeconds int `toml:"slot_advance_interval_seconds"`
	// ResumableWindowBytes of log kept replayable behind the current
	// position before the slot is advanced.
	ResumableWindowBytes int64 `toml:"resumable_window_bytes"`
	// QueueDepth of the outbound transaction channel.
	QueueDepth int `toml:"queue_depth"`
	// MessagePrefix accepted on out-of-band control messages.
	MessagePrefix string `toml:"message_prefix"`
}

// WindowConfiguration bounds the in-memory transaction cache.
type WindowConfiguration struct {
	MaxEntries int   `toml:"max_entries"`
	MaxBytes   int64 `toml:"max_bytes"`
}

// OplogConfiguration controls client-side oplog trigger generation.
type OplogConfiguration struct {
	Namespace     string   `toml:"namespace"`
	TablePatterns []string `toml:"table_patterns"`
}

// AuthConfiguration for subscriber token validation.
type AuthConfiguration struct {
	Enabled  bool   `toml:"enabled"`
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
	// HMACSecret for HS256 token signatures.
	HMACSecret string `toml:"hmac_secret"`
}

// PermsTable registers a table and its primary key in the scope graph.
type PermsTable struct {
	Name       string `toml:"name"`
	PrimaryKey string `toml:"primary_key"`
}

// PermsForeignKey declares child.column referencing parent, one edge
// of the scope graph.
type PermsForeignKey struct {
	Child  string `toml:"child"`
	Column string `toml:"column"`
	Parent string `toml:"parent"`
}

// PermsConfiguration holds the static grant ruleset and the schema
// graph scoped grants resolve against.
type PermsConfiguration struct {
	Grants      []string          `toml:"grants"`
	Tables      []PermsTable      `toml:"tables"`
	ForeignKeys []PermsForeignKey `toml:"foreign_keys"`
}

// AdminConfiguration for the HTTP status/metrics listener.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	// OriginTag identifies this node as the origin of transactions it
	// forwards; auto-generated from the machine id when zero.
	OriginTag uint64 `toml:"origin_tag"`

	Source     SourceConfiguration     `toml:"source"`
	Producer   ProducerConfiguration   `toml:"producer"`
	Window     WindowConfiguration     `toml:"window"`
	Oplog      OplogConfiguration      `toml:"oplog"`
	Perms      PermsConfiguration      `toml:"perms"`
	Auth       AuthConfiguration       `toml:"auth"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "walpipe.toml", "Path to configuration file")
	SourceDSNFlag  = flag.String("source-dsn", "", "Source database DSN (overrides config)")
	SlotNameFlag   = flag.String("slot-name", "", "Replication slot name (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Source: SourceConfiguration{
		SlotName:    "walpipe",
		Publication: "walpipe_pub",
	},

	Producer: ProducerConfiguration{
		SlotAdvanceIntervalSeconds: 30,
		ResumableWindowBytes:       64 << 20, // 64MB of replayable log
		QueueDepth:                 256,
		MessagePrefix:              "fk_chain_touch",
	},

	Window: WindowConfiguration{
		MaxEntries: 4096,
		MaxBytes:   32 << 20, // 32MB
	},

	Oplog: OplogConfiguration{
		Namespace:     "main",
		TablePatterns: []string{"*"},
	},

	Auth: AuthConfiguration{
		Enabled:  false,
		Issuer:   "walpipe",
		Audience: "walpipe-clients",
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        9081,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *SourceDSNFlag != "" {
		Config.Source.DSN = *SourceDSNFlag
	}
	if *SlotNameFlag != "" {
		Config.Source.SlotName = *SlotNameFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.OriginTag == 0 {
		var err error
		Config.OriginTag, err = generateOriginTag()
		if err != nil {
			return fmt.Errorf("failed to generate origin tag: %w", err)
		}
		log.Info().Uint64("origin_tag", Config.OriginTag).Msg("Auto-generated origin tag")
	}

	return nil
}

// generateOriginTag creates a stable per-machine origin tag.
func generateOriginTag() (uint64, error) {
	id, err := machineid.ProtectedID("walpipe")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}

	if Config.Source.SlotName == "" {
		return fmt.Errorf("source.slot_name is required")
	}

	if Config.Source.Publication == "" {
		return fmt.Errorf("source.publication is required")
	}

	if Config.Producer.SlotAdvanceIntervalSeconds < 1 {
		return fmt.Errorf("producer slot advance interval must be >= 1 second")
	}

	if Config.Producer.ResumableWindowBytes < 0 {
		return fmt.Errorf("producer resumable window must be >= 0")
	}

	if Config.Producer.QueueDepth < 1 {
		return fmt.Errorf("producer queue depth must be >= 1")
	}

	if Config.Window.MaxEntries < 1 {
		return fmt.Errorf("window max entries must be >= 1")
	}

	if Config.Window.MaxBytes < 1 {
		return fmt.Errorf("window max bytes must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Auth.Enabled {
		if Config.Auth.Issuer == "" {
			return fmt.Errorf("auth issuer is required when auth is enabled")
		}
		if Config.Auth.HMACSecret == "" {
			return fmt.Errorf("auth hmac_secret is required when auth is enabled")
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
