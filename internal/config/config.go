// Package config loads savanna binaries configuration from a YAML file and
// SAVANNA_* environment variables.
package config

import (
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	EnvConfigPath        = "SAVANNA_CONFIG"
	EnvLogLevel          = "SAVANNA_LOG_LEVEL"
	EnvLogFormat         = "SAVANNA_LOG_FORMAT"
	EnvAppListen         = "SAVANNA_APP_LISTEN"
	EnvAlgoUrl           = "SAVANNA_ALGO_URL"
	EnvUpstreamTimeout   = "SAVANNA_UPSTREAM_TIMEOUT"
	EnvKeyDBPath         = "SAVANNA_KEY_DB"
	EnvHandshakeTTL      = "SAVANNA_HANDSHAKE_TTL"
	EnvHandshakeStore    = "SAVANNA_HANDSHAKE_STORE"
	EnvRedisAddr         = "SAVANNA_REDIS_ADDR"
	EnvAuditPath         = "SAVANNA_AUDIT_PATH"
	EnvPermissionDriver  = "SAVANNA_PERMISSION_DRIVER"
	EnvPermissionPath    = "SAVANNA_PERMISSION_PATH"
	EnvPermissionDSN     = "SAVANNA_PERMISSION_DSN"
	EnvAlgoListen        = "SAVANNA_ALGO_LISTEN"
	EnvIdentityStorePath = "SAVANNA_IDENTITY_STORE"
	EnvQRSigningKey      = "SAVANNA_QR_SIGNING_KEY"
)

const (
	DefaultAuditMaxBytes   = 1 << 20
	DefaultHandshakeTTL    = 5 * time.Minute
	DefaultSweepInterval   = 60 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Handshake configures the handshake registry.
type Handshake struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Store         string        `yaml:"store"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPrefix   string        `yaml:"redisPrefix"`
	RateLimit     float64       `yaml:"rateLimit"` // handshakes per second and client ip, 0 disables
	RateBurst     int           `yaml:"rateBurst"`

	// TrustedProxies lists the ip or cidr of reverse proxies whose
	// X-Forwarded-For header identifies rate limited clients.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Audit configures the handshake audit log.
type Audit struct {
	Path      string `yaml:"path"`
	MaxBytes  int64  `yaml:"maxBytes"`
	QueueSize int    `yaml:"queueSize"`
}

// Permission configures the permission store.
type Permission struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

// App configures the savanna-app binary.
type App struct {
	Listen          string        `yaml:"listen"`
	AlgoUrl         string        `yaml:"algoUrl"`
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout"`
	KeyDBPath       string        `yaml:"keyDB"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	TraceIdHeader   string        `yaml:"traceIdHeader"`
	Handshake       Handshake     `yaml:"handshake"`
	Audit           Audit         `yaml:"audit"`
	Permission      Permission    `yaml:"permission"`
}

// Algo configures the savanna-algo binary.
type Algo struct {
	Listen        string `yaml:"listen"`
	StorePath     string `yaml:"storePath"`
	QRSigningKey  string `yaml:"qrSigningKey"`
	MaxBodyBytes  int64  `yaml:"maxBodyBytes"`
	TraceIdHeader string `yaml:"traceIdHeader"`
}

// Config holds the configuration of all savanna binaries.
type Config struct {
	Log  Log  `yaml:"log"`
	App  App  `yaml:"app"`
	Algo Algo `yaml:"algo"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		App: App{
			Listen:          ":4000",
			AlgoUrl:         "http://localhost:4100/algorithm/analyze",
			UpstreamTimeout: DefaultUpstreamTimeout,
			KeyDBPath:       "keys.db",
			MaxBodyBytes:    10 << 20,
			TraceIdHeader:   "X-Request-Id",
			Handshake: Handshake{
				TTL:           DefaultHandshakeTTL,
				SweepInterval: DefaultSweepInterval,
				Store:         StoreMemory,
				RedisPrefix:   "savanna:hs:",
				RateLimit:     5,
				RateBurst:     20,
			},
			Audit: Audit{
				Path:      "handshake.log",
				MaxBytes:  DefaultAuditMaxBytes,
				QueueSize: 1024,
			},
			Permission: Permission{
				Driver: StoreBolt,
				Path:   "app.db",
				Schema: "savanna",
			},
		},
		Algo: Algo{
			Listen:        ":4100",
			StorePath:     "store.db",
			MaxBodyBytes:  20 << 20,
			TraceIdHeader: "X-Request-Id",
		},
	}
}

// Load reads the YAML file at path (skipped if path is empty) over Default,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if "" == path {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if "" != path {
		data, err := os.ReadFile(path)
		if nil != err {
			return Config{}, wrapError(err, "failed reading config file %s", path)
		}
		if err = yaml.UnmarshalStrict(data, &cfg); nil != err {
			return Config{}, wrapError(err, "failed parsing config file %s", path)
		}
	}

	if err := cfg.applyEnv(); nil != err {
		return Config{}, err
	}

	if err := cfg.Validate(); nil != err {
		return Config{}, err
	}

	return cfg, nil
}

func (self *Config) applyEnv() error {
	setString(&self.Log.Level, EnvLogLevel)
	setString(&self.Log.Format, EnvLogFormat)

	app := &self.App
	setString(&app.Listen, EnvAppListen)
	setString(&app.AlgoUrl, EnvAlgoUrl)
	setString(&app.KeyDBPath, EnvKeyDBPath)
	setString(&app.Handshake.Store, EnvHandshakeStore)
	setString(&app.Handshake.RedisAddr, EnvRedisAddr)
	setString(&app.Audit.Path, EnvAuditPath)
	setString(&app.Permission.Driver, EnvPermissionDriver)
	setString(&app.Permission.Path, EnvPermissionPath)
	setString(&app.Permission.DSN, EnvPermissionDSN)
	if err := setDuration(&app.UpstreamTimeout, EnvUpstreamTimeout); nil != err {
		return err
	}
	if err := setDuration(&app.Handshake.TTL, EnvHandshakeTTL); nil != err {
		return err
	}

	setString(&self.Algo.Listen, EnvAlgoListen)
	setString(&self.Algo.StorePath, EnvIdentityStorePath)
	setString(&self.Algo.QRSigningKey, EnvQRSigningKey)

	return nil
}

// Validate checks that the configuration is coherent.
func (self Config) Validate() error {
	app := self.App
	if "" == app.Listen {
		return newError("invalid app.listen: must not be empty")
	}
	u, err := url.Parse(app.AlgoUrl)
	if nil != err || !slices.Contains([]string{"http", "https"}, u.Scheme) || "" == u.Host {
		return newError("invalid app.algoUrl %q: must be an http(s) url", app.AlgoUrl)
	}
	if app.UpstreamTimeout <= 0 {
		return newError("invalid app.upstreamTimeout: must be > 0")
	}
	if app.MaxBodyBytes <= 0 {
		return newError("invalid app.maxBodyBytes: must be > 0")
	}

	hs := app.Handshake
	if hs.TTL <= 0 {
		return newError("invalid app.handshake.ttl: must be > 0")
	}
	if hs.SweepInterval <= 0 {
		return newError("invalid app.handshake.sweepInterval: must be > 0")
	}
	switch hs.Store {
	case StoreMemory:
	case StoreRedis:
		if "" == hs.RedisAddr {
			return newError("invalid app.handshake.redisAddr: required when store is %s", StoreRedis)
		}
	default:
		return newError("invalid app.handshake.store %q: must be %s or %s", hs.Store, StoreMemory, StoreRedis)
	}
	if hs.RateLimit < 0 || (hs.RateLimit > 0 && hs.RateBurst <= 0) {
		return newError("invalid app.handshake rate limit: rateLimit >= 0 and rateBurst > 0 required")
	}

	for _, proxy := range hs.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); nil == err {
			continue
		}
		if _, err := netip.ParseAddr(proxy); nil != err {
			return newError("invalid app.handshake.trustedProxies entry %q: must be an ip or cidr", proxy)
		}
	}

	if "" == app.Audit.Path {
		return newError("invalid app.audit.path: must not be empty")
	}
	if app.Audit.MaxBytes <= 0 || app.Audit.QueueSize <= 0 {
		return newError("invalid app.audit: maxBytes and queueSize must be > 0")
	}

	perm := app.Permission
	switch perm.Driver {
	case StoreMemory:
	case StoreBolt:
		if "" == perm.Path {
			return newError("invalid app.permission.path: required when driver is %s", StoreBolt)
		}
	case StorePostgres:
		if "" == perm.DSN {
			return newError("invalid app.permission.dsn: required when driver is %s", StorePostgres)
		}
	default:
		return newError("invalid app.permission.driver %q", perm.Driver)
	}

	if "" == self.Algo.Listen {
		return newError("invalid algo.listen: must not be empty")
	}
	if self.Algo.MaxBodyBytes <= 0 {
		return newError("invalid algo.maxBodyBytes: must be > 0")
	}

	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); "" != v {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if "" == v {
		return nil
	}
	d, err := time.ParseDuration(v)
	if nil != err {
		// bare numbers are seconds
		secs, nerr := strconv.Atoi(v)
		if nil != nerr {
			return wrapError(err, "invalid %s", key)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	return nil
}
