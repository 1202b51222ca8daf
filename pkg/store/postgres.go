package store

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"blobgate/pkg/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool connects to DATABASE_URL (or a DSN assembled from the
// DATABASE_* keys), retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context, lookup config.Lookup) (*pgxpool.Pool, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	dsn := get(lookup, "DATABASE_URL")
	if dsn == "" {
		dsn = defaultPostgresURL(lookup)
	}
	if requiresSecureTransport(lookup, "DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse DATABASE_URL")
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "blobgate"
	cfg.MaxConns = 20
	if raw := get(lookup, "DATABASE_MAX_CONNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, errors.Wrap(lastErr, "db ping retries exhausted")
}

func defaultPostgresURL(lookup config.Lookup) string {
	user := get(lookup, "DATABASE_USER")
	if user == "" {
		user = "blobgate"
	}
	password, _ := lookup("POSTGRES_PASSWORD")
	host := get(lookup, "DATABASE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := get(lookup, "DATABASE_PORT")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := get(lookup, "DATABASE_NAME")
	if dbName == "" {
		dbName = "blobgate"
	}
	sslmode := get(lookup, "DATABASE_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid DATABASE_URL")
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return errors.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return errors.New("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
