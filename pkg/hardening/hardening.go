// Package hardening refuses to start a production-like gateway with an
// unsafe configuration.
package hardening

import (
	"strings"

	"blobgate/pkg/config"

	"github.com/pkg/errors"
)

// MinTrustSecretBytes is the shortest shared secret accepted in production.
const MinTrustSecretBytes = 32

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	TrustSecret           string
	UsesDatabase          bool
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	ChallengeEnabled      bool
	ChallengeVerifier     string
}

// FromConfig collects the settings checked by ValidateProduction.
func FromConfig(service string, cfg config.Config, lookup config.Lookup) Options {
	get := func(key string) string {
		if lookup == nil {
			return ""
		}
		v, _ := lookup(key)
		return v
	}
	verifier := cfg.ChallengeSecret
	if verifier == "" {
		verifier = get("CHALLENGE_VERIFY_URL")
	}
	return Options{
		Service:               service,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		TrustSecret:           cfg.TrustSecret,
		UsesDatabase:          cfg.UsesBackend("postgres") || cfg.AuditSink == "postgres" || get("DATABASE_URL") != "",
		DatabaseRequireTLS:    get("DATABASE_REQUIRE_TLS"),
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       get("REDIS_REQUIRE_TLS"),
		RedisTLSInsecure:      get("REDIS_TLS_INSECURE"),
		RedisAllowInsecureTLS: get("REDIS_ALLOW_INSECURE_TLS"),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		ChallengeEnabled:      cfg.ChallengeEnabled,
		ChallengeVerifier:     verifier,
	}
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "blobgate"
	}
	if o.TrustSecret != "" && len(o.TrustSecret) < MinTrustSecretBytes {
		return errors.Errorf("%s: INTERNAL_TRUST_SECRET must be at least %d bytes in production", service, MinTrustSecretBytes)
	}
	if o.UsesDatabase && !isTrue(o.DatabaseRequireTLS, false) {
		return errors.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return errors.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return errors.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if o.ChallengeEnabled && strings.TrimSpace(o.ChallengeVerifier) == "" {
		return errors.Errorf("%s: CHALLENGE_ENABLED requires CHALLENGE_VERIFY_SECRET or CHALLENGE_VERIFY_URL", service)
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

// validateCORSOrigins accepts an empty list, which disables cross-origin
// access entirely.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return errors.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case strings.HasPrefix(lower, "http://localhost"), strings.HasPrefix(lower, "https://localhost"),
			strings.HasPrefix(lower, "http://127.0.0.1"), strings.HasPrefix(lower, "https://127.0.0.1"):
			return errors.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		case !strings.HasPrefix(lower, "https://"):
			return errors.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
