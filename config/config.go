// Package config loads hub and client settings. Values layer as defaults,
// then an optional config file, then NOTESYNC_* environment variables, then
// any command line flags bound onto the returned viper instance.
package config

import (
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/spf13/viper"

	"gonotesync/models"
)

// EnvPrefix is prepended to every environment variable, e.g. NOTESYNC_ADDR.
const EnvPrefix = "NOTESYNC"

// Keys shared by config files, environment variables and flags.
const (
	KeyAddr         = "addr"
	KeyPresenceAddr = "presence_addr"
	KeyDBPath       = "db_path"
	KeyJWTSecret    = "jwt_secret"
	KeyTokenTTL     = "token_ttl"
	KeyLogLevel     = "log_level"
	KeyRateLimit    = "rate_limit"

	KeyHubURL      = "hub_url"
	KeyToken       = "token"
	KeyReplicaPath = "replica_path"
	KeyDeviceID    = "device_id"
	KeyInterval    = "interval"
	KeyTimeout     = "timeout"
)

// minSyncInterval keeps a misconfigured client from hammering the hub.
const minSyncInterval = 10 * time.Second

// New returns a viper instance with defaults and environment binding. A
// non-empty file is read as well; its format follows the extension.
func New(file string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault(KeyAddr, "localhost:8000")
	v.SetDefault(KeyPresenceAddr, "localhost:8001")
	v.SetDefault(KeyDBPath, "./data/notesync.ddb")
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeyTokenTTL, 24*time.Hour)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyRateLimit, 0)

	v.SetDefault(KeyHubURL, "http://localhost:8000")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyReplicaPath, "./data/replica.db")
	v.SetDefault(KeyDeviceID, "")
	v.SetDefault(KeyInterval, 5*time.Minute)
	v.SetDefault(KeyTimeout, 30*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, serr.Wrap(err, "failed to read config file "+file)
		}
	}
	return v, nil
}

// ServerConfig configures the hub.
type ServerConfig struct {
	Addr         string        // HTTP listen address for the sync endpoints
	PresenceAddr string        // websocket listen address, empty disables presence
	DBPath       string        // DuckDB file
	JWTSecret    string        // HMAC secret shared with the session issuer
	TokenTTL     time.Duration // lifetime of tokens minted by the token command
	LogLevel     string
	RateLimit    int // requests per minute per client, 0 disables
}

// LoadServer reads hub settings from v.
func LoadServer(v *viper.Viper) *ServerConfig {
	return &ServerConfig{
		Addr:         v.GetString(KeyAddr),
		PresenceAddr: v.GetString(KeyPresenceAddr),
		DBPath:       v.GetString(KeyDBPath),
		JWTSecret:    v.GetString(KeyJWTSecret),
		TokenTTL:     v.GetDuration(KeyTokenTTL),
		LogLevel:     v.GetString(KeyLogLevel),
		RateLimit:    v.GetInt(KeyRateLimit),
	}
}

// Validate checks that the hub can start with these settings.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return serr.New("NOTESYNC_ADDR is required")
	}
	if c.DBPath == "" {
		return serr.New("NOTESYNC_DB_PATH is required")
	}
	if len(c.JWTSecret) < models.MinSecretLength {
		return serr.New("NOTESYNC_JWT_SECRET must be at least 32 characters")
	}
	if c.TokenTTL <= 0 {
		return serr.New("NOTESYNC_TOKEN_TTL must be positive")
	}
	if c.RateLimit < 0 {
		return serr.New("NOTESYNC_RATE_LIMIT cannot be negative")
	}
	return nil
}

// ClientConfig configures a device syncing against a hub.
type ClientConfig struct {
	HubURL      string        // base URL of the hub
	Token       string        // bearer token for the hub
	ReplicaPath string        // SQLite replica file
	DeviceID    string        // reported with pulls, defaults to the hostname
	Interval    time.Duration // between background cycles
	Timeout     time.Duration // per HTTP request
	LogLevel    string
}

// LoadClient reads client settings from v.
func LoadClient(v *viper.Viper) *ClientConfig {
	return &ClientConfig{
		HubURL:      v.GetString(KeyHubURL),
		Token:       v.GetString(KeyToken),
		ReplicaPath: v.GetString(KeyReplicaPath),
		DeviceID:    v.GetString(KeyDeviceID),
		Interval:    v.GetDuration(KeyInterval),
		Timeout:     v.GetDuration(KeyTimeout),
		LogLevel:    v.GetString(KeyLogLevel),
	}
}

// Validate checks that all required fields are present before the first
// cycle, so misconfiguration fails fast instead of mid-sync.
func (c *ClientConfig) Validate() error {
	if c.HubURL == "" {
		return serr.New("NOTESYNC_HUB_URL is required")
	}
	if !strings.HasPrefix(c.HubURL, "http://") && !strings.HasPrefix(c.HubURL, "https://") {
		return serr.New("NOTESYNC_HUB_URL must be an http or https URL")
	}
	if c.Token == "" {
		return serr.New("NOTESYNC_TOKEN is required")
	}
	if c.ReplicaPath == "" {
		return serr.New("NOTESYNC_REPLICA_PATH is required")
	}
	if c.Interval < minSyncInterval {
		return serr.New("NOTESYNC_INTERVAL must be at least 10s to avoid overwhelming the hub")
	}
	if c.Timeout <= 0 {
		return serr.New("NOTESYNC_TIMEOUT must be positive")
	}
	return nil
}
