package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blobgate/pkg/config"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// NewRedis dials the redis named by REDIS_ADDR and pings it once.
func NewRedis(ctx context.Context, lookup config.Lookup) (*redis.Client, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	addr := get(lookup, "REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if raw := get(lookup, "REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	tlsConfig, err := loadRedisTLSConfig(lookup)
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport(lookup, "REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	password, _ := lookup("REDIS_PASSWORD")
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  password,
		DB:        db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return client, nil
}

func loadRedisTLSConfig(lookup config.Lookup) (*tls.Config, error) {
	if !strings.EqualFold(get(lookup, "REDIS_TLS"), "true") {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if strings.EqualFold(get(lookup, "REDIS_TLS_INSECURE"), "true") {
		if !strings.EqualFold(get(lookup, "REDIS_ALLOW_INSECURE_TLS"), "true") {
			return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := get(lookup, "REDIS_TLS_SERVER_NAME"); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := get(lookup, "REDIS_TLS_CA_CERT_FILE"); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, errors.Wrap(err, "read REDIS_TLS_CA_CERT_FILE")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := get(lookup, "REDIS_TLS_CERT_FILE")
	keyFile := get(lookup, "REDIS_TLS_KEY_FILE")
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, errors.Wrap(err, "load redis mTLS keypair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func get(lookup config.Lookup, key string) string {
	v, _ := lookup(key)
	return strings.TrimSpace(v)
}

func requiresSecureTransport(lookup config.Lookup, key string) bool {
	switch strings.ToLower(get(lookup, key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
