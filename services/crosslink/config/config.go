package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/stats"
)

// Store backends accepted by store_backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config holds typed configuration for the crosslink service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string

	StoreBackend string
	PostgresDSN  string
	SQLitePath   string
	RedisAddr    string

	KafkaBrokers string
	EventsTopic  string
	NotifyURL    string

	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	LocalRole      string
	LocalIP        string
	RemoteHostname string
	RemoteOS       string
	RemoteIP       string

	BroadcastSchedule string
	DiskPath          string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		StoreBackend: strings.ToLower(v.GetString("store_backend")),
		PostgresDSN:  v.GetString("postgres_dsn"),
		SQLitePath:   v.GetString("sqlite_path"),
		RedisAddr:    v.GetString("redis_addr"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		EventsTopic:  v.GetString("events_topic"),
		NotifyURL:    v.GetString("notify_url"),

		SubmitRateLimit:  v.GetInt("submit_rate_limit"),
		SubmitRateWindow: v.GetDuration("submit_rate_window"),

		LocalRole:      v.GetString("local_role"),
		LocalIP:        v.GetString("local_ip"),
		RemoteHostname: v.GetString("remote_hostname"),
		RemoteOS:       v.GetString("remote_os"),
		RemoteIP:       v.GetString("remote_ip"),

		BroadcastSchedule: v.GetString("broadcast_schedule"),
		DiskPath:          v.GetString("disk_path"),
	}
}

// Brokers splits KafkaBrokers. An empty setting yields nil.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Identities returns the local machine and every other role, whose identity
// comes from the remote_* settings.
func (c Config) Identities() (stats.Identity, []stats.Identity, error) {
	local, err := domain.ParseRole(c.LocalRole)
	if err != nil {
		return stats.Identity{}, nil, err
	}
	var remotes []stats.Identity
	for _, role := range domain.Roles() {
		if role == local {
			continue
		}
		remotes = append(remotes, stats.Identity{
			Role:      role,
			Hostname:  c.RemoteHostname,
			OS:        c.RemoteOS,
			IPAddress: c.RemoteIP,
		})
	}
	return stats.Identity{Role: local, IPAddress: c.LocalIP}, remotes, nil
}
