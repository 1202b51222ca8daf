package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Lookup resolves a configuration key. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// Config is built once at process start and never mutated afterwards.
type Config struct {
	Addr        string
	Environment string
	LogLevel    string

	TrustSecret         string
	TrustedProxyCIDRs   []*net.IPNet
	SessionUserHeader   string
	StrictNotFound      bool
	PrivateCacheTTL     time.Duration
	PublicCacheTTL      time.Duration
	StreamChunkBytes    int
	BlobRoot            string
	Backends            map[string]string
	MaxRequestBodyBytes int64

	ChallengeEnabled   bool
	ChallengeThreshold int
	ChallengeWindow    time.Duration
	ChallengeTokenTTL  time.Duration
	ChallengePageURL   string
	ChallengeSiteKey   string
	ChallengeSecret    string
	UpstreamURL        string
	GuardedActions     []string

	AuditSink    string
	KafkaBrokers []string
	KafkaTopic   string

	RedisAddr          string
	CORSAllowedOrigins string
	StrictProdSecurity string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

var validBackends = map[string]struct{}{"fs": {}, "redis": {}, "postgres": {}}

// Load reads the gateway configuration. A nil lookup reads the process environment.
func Load(lookup Lookup) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := env{lookup: lookup}
	cfg := Config{
		Addr:                e.str("ADDR", ":8080"),
		Environment:         e.str("ENVIRONMENT", e.str("APP_ENV", "")),
		LogLevel:            e.str("LOG_LEVEL", "info"),
		TrustSecret:         e.raw("INTERNAL_TRUST_SECRET"),
		SessionUserHeader:   e.str("SESSION_USER_HEADER", "X-Session-User"),
		StrictNotFound:      e.boolean("ACCESS_STRICT_NOT_FOUND", true),
		PrivateCacheTTL:     e.seconds("CACHE_PRIVATE_TTL_SEC", 60),
		PublicCacheTTL:      e.seconds("CACHE_PUBLIC_TTL_SEC", 3600),
		StreamChunkBytes:    e.integer("STREAM_CHUNK_BYTES", 32*1024),
		BlobRoot:            e.str("BLOB_ROOT", "/var/lib/blobgate"),
		MaxRequestBodyBytes: int64(e.integer("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ChallengeEnabled:    e.boolean("CHALLENGE_ENABLED", true),
		ChallengeThreshold:  e.integer("CHALLENGE_THRESHOLD", 5),
		ChallengeWindow:     e.seconds("CHALLENGE_WINDOW_SEC", 3600),
		ChallengeTokenTTL:   e.seconds("CHALLENGE_TOKEN_TTL_SEC", 600),
		ChallengePageURL:    e.str("CHALLENGE_PAGE_URL", "/-/challenge"),
		ChallengeSiteKey:    e.str("CHALLENGE_SITE_KEY", ""),
		ChallengeSecret:     e.raw("CHALLENGE_VERIFY_SECRET"),
		UpstreamURL:         e.str("UPSTREAM_URL", "http://localhost:3000"),
		GuardedActions:      splitList(e.str("GUARDED_ACTIONS", "")),
		AuditSink:           strings.ToLower(e.str("AUDIT_SINK", "log")),
		KafkaBrokers:        splitList(e.str("KAFKA_BROKERS", "")),
		KafkaTopic:          e.str("KAFKA_TOPIC", "blobgate.deliveries"),
		RedisAddr:           e.str("REDIS_ADDR", ""),
		CORSAllowedOrigins:  e.str("CORS_ALLOWED_ORIGINS", ""),
		StrictProdSecurity:  e.str("STRICT_PROD_SECURITY", "true"),
		ReadHeaderTimeout:   e.seconds("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         e.seconds("HTTP_READ_TIMEOUT_SEC", 15),
		// Large artifacts need a long write window; 0 disables the deadline.
		WriteTimeout: e.seconds("HTTP_WRITE_TIMEOUT_SEC", 0),
		IdleTimeout:  e.seconds("HTTP_IDLE_TIMEOUT_SEC", 120),
		Backends: map[string]string{
			"snippet":       strings.ToLower(e.str("BLOB_BACKEND_SNIPPET", "fs")),
			"artifact":      strings.ToLower(e.str("BLOB_BACKEND_ARTIFACT", "fs")),
			"registry-blob": strings.ToLower(e.str("BLOB_BACKEND_REGISTRY_BLOB", "fs")),
		},
	}
	cidrs, err := ParseCIDRs(e.str("TRUSTED_PROXY_CIDRS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.TrustedProxyCIDRs = cidrs
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.StreamChunkBytes <= 0 {
		return errors.Errorf("STREAM_CHUNK_BYTES must be positive, got %d", c.StreamChunkBytes)
	}
	if c.PrivateCacheTTL < 0 || c.PublicCacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	if c.ChallengeEnabled && c.ChallengeThreshold < 0 {
		return errors.New("CHALLENGE_THRESHOLD must not be negative")
	}
	for kind, backend := range c.Backends {
		if _, ok := validBackends[backend]; !ok {
			return errors.Errorf("unsupported backend %q for kind %s", backend, kind)
		}
	}
	switch c.AuditSink {
	case "log", "postgres", "kafka":
	default:
		return errors.Errorf("unsupported AUDIT_SINK %q", c.AuditSink)
	}
	if c.AuditSink == "kafka" && len(c.KafkaBrokers) == 0 {
		return errors.New("AUDIT_SINK=kafka requires KAFKA_BROKERS")
	}
	return nil
}

// UsesBackend reports whether any blob kind is served from backend.
func (c Config) UsesBackend(backend string) bool {
	for _, b := range c.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// ParseCIDRs parses a comma-separated list; bare IPs become host-sized networks.
func ParseCIDRs(raw string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, part := range splitList(raw) {
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, errors.Errorf("invalid TRUSTED_PROXY_CIDRS entry %q", part)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, cidr, err := net.ParseCIDR(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid TRUSTED_PROXY_CIDRS entry %q", part)
		}
		out = append(out, cidr)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type env struct{ lookup Lookup }

func (e env) raw(key string) string {
	v, _ := e.lookup(key)
	return v
}

func (e env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e env) integer(key string, def int) int {
	if v, ok := e.lookup(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func (e env) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func (e env) seconds(key string, def int) time.Duration {
	return time.Second * time.Duration(e.integer(key, def))
}
