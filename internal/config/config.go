// Package config loads the Framer's runtime configuration: YAML on disk,
// overridden by environment variables, the same two-layer pattern the
// teacher's backend config used (gopkg.in/yaml.v2 decode, then an
// applyEnvOverrides/applyDefaults pass).
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is every setting named in spec.md §6 "Configuration", plus the
// adapter selection needed to wire a concrete Bus/Store/Leader at launch.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Channel       ChannelConfig       `yaml:"channel"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Auth          AuthConfig          `yaml:"auth"`
	IdentityStore IdentityStoreConfig `yaml:"identity_store"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig is the accept-socket bind address.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReplyTimeoutMs int64  `yaml:"reply_timeout_ms"`
}

// ChannelConfig selects and configures the library command channel and the
// Publication Bus (spec.md §6 "library channel URI").
type ChannelConfig struct {
	// LibraryChannelURI names the inbound command subscription transport,
	// e.g. "local://" for solo mode or a gRPC target for cluster traffic.
	LibraryChannelURI string `yaml:"library_channel_uri"`
	// BusURI selects the Publication Bus adapter: "" or "local://" for the
	// in-process bus; any other value is used as the Redis server address
	// (host:port), and the stream key is always "framer:publications".
	BusURI       string `yaml:"bus_uri"`
	BusCapacity  int    `yaml:"bus_capacity"`
	RedisMaxLen  int64  `yaml:"redis_max_len"`
}

// ClusterConfig is the cluster-channel and leadership wiring (spec.md §6
// "cluster channel URI, node id, other-node ids").
type ClusterConfig struct {
	ChannelURI   string   `yaml:"channel_uri"`
	NodeID       string   `yaml:"node_id"`
	OtherNodeIDs []string `yaml:"other_node_ids"`
	// LeaderSubscription names a Google Cloud Pub/Sub subscription carrying
	// leadership leases, or "" to force static (solo) leadership.
	LeaderSubscription string `yaml:"leader_subscription"`
	StaticLeader       bool   `yaml:"static_leader"`
}

// AuthConfig selects the authentication strategy (spec.md §6 "authentication
// strategy").
type AuthConfig struct {
	// Strategy is "bcrypt" or "spiffe".
	Strategy         string   `yaml:"strategy"`
	SpiffeSocket     string   `yaml:"spiffe_socket"`
	SpiffeTrustDom   string   `yaml:"spiffe_trust_domain"`
	SpiffeAllowedIDs []string `yaml:"spiffe_allowed_agent_ids"`
}

// IdentityStoreConfig selects the Session Identity Store backend (spec.md
// §6: "SpannerStore ... for production dedup"). Backend is "memory" for a
// single-node or test deployment, or "spanner" to persist the composite-key
// to session-id mapping in Cloud Spanner, surviving a Framer restart and
// staying consistent across cluster nodes.
type IdentityStoreConfig struct {
	Backend             string `yaml:"backend"`
	SpannerDatabase     string `yaml:"spanner_database"`
	SpannerTable        string `yaml:"spanner_table"`
	SpannerCounterTable string `yaml:"spanner_counter_table"`
}

// MonitorConfig is the monitoring-file layout (spec.md §6).
type MonitorConfig struct {
	LogFileDir        string `yaml:"log_file_dir"`
	MonitoringFilePath string `yaml:"monitoring_file_path"`
}

// LoggingConfig holds the logging settings. cmd/framer-gateway does not read
// them: it always logs JSON to stdout at slog's default level.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads and decodes a YAML config file, then layers environment
// overrides and defaults on top.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("FRAMER_HOST", c.Server.Host)
	if v := getEnvInt("FRAMER_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("FRAMER_REPLY_TIMEOUT_MS", 0); v > 0 {
		c.Server.ReplyTimeoutMs = int64(v)
	}

	c.Channel.LibraryChannelURI = getEnv("FRAMER_LIBRARY_CHANNEL_URI", c.Channel.LibraryChannelURI)
	c.Channel.BusURI = getEnv("FRAMER_BUS_URI", c.Channel.BusURI)
	if v := getEnvInt("FRAMER_BUS_CAPACITY", 0); v > 0 {
		c.Channel.BusCapacity = v
	}

	c.Cluster.ChannelURI = getEnv("FRAMER_CLUSTER_CHANNEL_URI", c.Cluster.ChannelURI)
	c.Cluster.NodeID = getEnv("FRAMER_NODE_ID", c.Cluster.NodeID)
	if ids := getEnv("FRAMER_OTHER_NODE_IDS", ""); ids != "" {
		c.Cluster.OtherNodeIDs = splitCSV(ids)
	}
	c.Cluster.LeaderSubscription = getEnv("FRAMER_LEADER_SUBSCRIPTION", c.Cluster.LeaderSubscription)
	c.Cluster.StaticLeader = getEnvBool("FRAMER_STATIC_LEADER", c.Cluster.StaticLeader)

	c.Auth.Strategy = getEnv("FRAMER_AUTH_STRATEGY", c.Auth.Strategy)
	c.Auth.SpiffeSocket = getEnv("FRAMER_SPIFFE_SOCKET", c.Auth.SpiffeSocket)
	c.Auth.SpiffeTrustDom = getEnv("FRAMER_SPIFFE_TRUST_DOMAIN", c.Auth.SpiffeTrustDom)
	if ids := getEnv("FRAMER_SPIFFE_ALLOWED_AGENT_IDS", ""); ids != "" {
		c.Auth.SpiffeAllowedIDs = splitCSV(ids)
	}

	c.IdentityStore.Backend = getEnv("FRAMER_IDENTITY_STORE_BACKEND", c.IdentityStore.Backend)
	c.IdentityStore.SpannerDatabase = getEnv("FRAMER_SPANNER_DATABASE", c.IdentityStore.SpannerDatabase)
	c.IdentityStore.SpannerTable = getEnv("FRAMER_SPANNER_TABLE", c.IdentityStore.SpannerTable)
	c.IdentityStore.SpannerCounterTable = getEnv("FRAMER_SPANNER_COUNTER_TABLE", c.IdentityStore.SpannerCounterTable)

	c.Monitor.LogFileDir = getEnv("FRAMER_LOG_FILE_DIR", c.Monitor.LogFileDir)
	c.Monitor.MonitoringFilePath = getEnv("FRAMER_MONITORING_FILE_PATH", c.Monitor.MonitoringFilePath)

	c.Logging.Level = getEnv("FRAMER_LOG_LEVEL", c.Logging.Level)
	c.Logging.JSON = getEnvBool("FRAMER_LOG_JSON", c.Logging.JSON)
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9999
	}
	if c.Server.ReplyTimeoutMs == 0 {
		c.Server.ReplyTimeoutMs = 10_000
	}
	if c.Channel.LibraryChannelURI == "" {
		c.Channel.LibraryChannelURI = "local://"
	}
	if c.Channel.BusURI == "" {
		c.Channel.BusURI = "local://"
	}
	if c.Channel.BusCapacity == 0 {
		c.Channel.BusCapacity = 4096
	}
	if c.Channel.RedisMaxLen == 0 {
		c.Channel.RedisMaxLen = 100_000
	}
	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = "framer-local"
	}
	if c.Auth.Strategy == "" {
		c.Auth.Strategy = "bcrypt"
	}
	if c.IdentityStore.Backend == "" {
		c.IdentityStore.Backend = "memory"
	}
	if c.IdentityStore.SpannerTable == "" {
		c.IdentityStore.SpannerTable = "session_identities"
	}
	if c.IdentityStore.SpannerCounterTable == "" {
		c.IdentityStore.SpannerCounterTable = "session_id_counters"
	}
	if c.Monitor.LogFileDir == "" {
		c.Monitor.LogFileDir = "./logs"
	}
	if c.Monitor.MonitoringFilePath == "" {
		c.Monitor.MonitoringFilePath = "./monitoring.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
