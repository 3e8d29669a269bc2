package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Backend selection: auto, kubernetes or docker.
	Backend      string `envconfig:"BACKEND" default:"auto"`
	K8sNamespace string `envconfig:"K8S_NAMESPACE" default:"vlab"`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`

	// Session store (Redis).
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Spec registry (MongoDB).
	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"vlab"`
	SpecSeedFile  string `envconfig:"SPEC_SEED_FILE" default:""`

	// Usage event store (sqlite).
	StatsDBPath string `envconfig:"STATS_DB_PATH" default:"/app/data/vlab.db"`

	// Identity boundary. The SSO collaborator terminates authentication
	// upstream and forwards these headers.
	UserHeader   string   `envconfig:"USER_HEADER" default:"X-Forwarded-User"`
	GroupsHeader string   `envconfig:"GROUPS_HEADER" default:"X-Forwarded-Groups"`
	AdminGroups  []string `envconfig:"ADMIN_GROUPS" default:"vlab-admins"`

	// Lifecycle timing. Per-spec values in the registry override the
	// idle/lifetime/readiness defaults.
	ReadinessTimeout time.Duration `envconfig:"READINESS_TIMEOUT" default:"60s"`
	ReadinessPoll    time.Duration `envconfig:"READINESS_POLL" default:"2s"`
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	MaxLifetime      time.Duration `envconfig:"MAX_LIFETIME" default:"0"`
	ReaperInterval   time.Duration `envconfig:"REAPER_INTERVAL" default:"30s"`
	ReaperWorkers    int           `envconfig:"REAPER_WORKERS" default:"8"`
	SpecRefresh      time.Duration `envconfig:"SPEC_REFRESH" default:"5m"`

	// Adapter call policy.
	BackendCallTimeout time.Duration `envconfig:"BACKEND_CALL_TIMEOUT" default:"15s"`
	CreateRetries      int           `envconfig:"CREATE_RETRIES" default:"4"`
	CreateBackoff      time.Duration `envconfig:"CREATE_BACKOFF" default:"500ms"`

	// Proxy tunnel policy.
	TunnelIdleTimeout time.Duration `envconfig:"TUNNEL_IDLE_TIMEOUT" default:"5m"`

	// How long Stopped/Failed records stay visible before Redis expires them.
	StoppedRecordTTL time.Duration `envconfig:"STOPPED_RECORD_TTL" default:"1h"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VLAB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
