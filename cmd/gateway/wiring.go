package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/audit"
	"blobgate/pkg/blob"
	"blobgate/pkg/challenge"
	"blobgate/pkg/config"
	"blobgate/pkg/metrics"
	"blobgate/pkg/ratelimit"
	"blobgate/pkg/respond"
	"blobgate/pkg/storage"
	"blobgate/pkg/store"
	"blobgate/pkg/stream"
	"blobgate/pkg/telemetry"
	"blobgate/pkg/trust"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// buildServer assembles the gateway from configuration. The returned cleanup
// flushes the audit queue and releases blob sources.
func buildServer(ctx context.Context, cfg config.Config, lookup config.Lookup, db gatewayDB, redisClient *redis.Client, logger *zap.Logger) (*Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	sources, closeSources, err := buildSources(cfg, db, redisClient)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, closeSources)

	authorizers := access.AnyOf{access.PublicReadableAuthorizer{}, access.OwnerAuthorizer{}}
	if db != nil {
		authorizers = append(authorizers, access.GrantAuthorizer{DB: db, Log: logger})
	}

	formatter := respond.Formatter{ChallengePageURL: cfg.ChallengePageURL, SiteKey: cfg.ChallengeSiteKey}
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt(lookup, "UPSTREAM_TIMEOUT_MS", 3000))})

	recorder, closeAudit, err := buildRecorder(cfg, db, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	closers = append(closers, closeAudit)

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		cleanup()
		return nil, func() {}, errors.Errorf("invalid UPSTREAM_URL %q", cfg.UpstreamURL)
	}

	if cfg.SessionUserHeader != "" && len(cfg.TrustedProxyCIDRs) == 0 {
		logger.Warn("TRUSTED_PROXY_CIDRS not set, session user header ignored; public callers are anonymous",
			zap.String("header", cfg.SessionUserHeader))
	}

	s := &Server{
		Sources: sources,
		Guard: access.Guard{
			Authorizer: authorizers,
			PrivateTTL: cfg.PrivateCacheTTL,
			PublicTTL:  cfg.PublicCacheTTL,
			Strict:     cfg.StrictNotFound,
		},
		Streamer:  blob.NewStreamer(cfg.StreamChunkBytes, logger),
		Formatter: formatter,
		Trust: trust.NewVerifier(cfg.TrustSecret,
			trust.WithUserResolver(trust.HeaderUserResolver{Header: cfg.SessionUserHeader, Networks: cfg.TrustedProxyCIDRs}),
			trust.WithTrustedNetworks(cfg.TrustedProxyCIDRs),
		),
		Audit:               recorder,
		AuditSalt:           []byte(envString(lookup, "AUDIT_HASH_SALT", "")),
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		Log:                 logger,
		GuardedActions:      cfg.GuardedActions,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		WSOriginPatterns:    stream.OriginPatterns(envString(lookup, "WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	s.Upstream = s.newUpstreamProxy(upstream, httpClient.Transport)
	if q, ok := recorder.(*audit.Queue); ok {
		s.auditDropped = q.Dropped
	}

	if cfg.ChallengeEnabled {
		var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.ChallengeWindow)
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, cfg.ChallengeWindow, logger)
		}
		var verifier challenge.ResponseVerifier = challenge.HMACVerifier{Secret: []byte(cfg.ChallengeSecret)}
		if verifyURL := envString(lookup, "CHALLENGE_VERIFY_URL", ""); verifyURL != "" {
			verifier = challenge.SiteVerifier{URL: verifyURL, Secret: cfg.ChallengeSecret, Client: httpClient}
		}
		s.Gate = &challenge.Gate{
			Policy: &challenge.ThresholdPolicy{
				Limiter:   limiter,
				Threshold: cfg.ChallengeThreshold,
				Verifier:  verifier,
				Tokens:    store.NewCache(ctx, redisClient, logger),
				TokenTTL:  cfg.ChallengeTokenTTL,
				Log:       logger,
			},
			Formatter:   formatter,
			Log:         logger,
			OnChallenge: s.observeChallenge,
		}
	}
	return s, cleanup, nil
}

// buildSources routes each blob kind to its configured backend. All fs kinds
// share one root.
func buildSources(cfg config.Config, db gatewayDB, redisClient *redis.Client) (*storage.Mux, func(), error) {
	mux := storage.NewMux()
	var files *storage.FileSource
	closeFn := func() {
		if files != nil {
			_ = files.Close()
		}
	}
	for _, kind := range []access.Kind{access.KindSnippet, access.KindArtifact, access.KindRegistryBlob} {
		switch backend := cfg.Backends[string(kind)]; backend {
		case "fs":
			if files == nil {
				fsrc, err := storage.NewFileSource(cfg.BlobRoot)
				if err != nil {
					return nil, closeFn, err
				}
				files = fsrc
			}
			mux.Handle(kind, files)
		case "redis":
			if redisClient == nil {
				return nil, closeFn, errors.Errorf("backend redis for %s requires REDIS_ADDR", kind)
			}
			mux.Handle(kind, storage.NewRedisSource(redisClient))
		case "postgres":
			if db == nil {
				return nil, closeFn, errors.Errorf("backend postgres for %s requires a database", kind)
			}
			mux.Handle(kind, storage.NewPostgresSource(db))
		default:
			return nil, closeFn, errors.Errorf("unsupported backend %q for %s", backend, kind)
		}
	}
	return mux, closeFn, nil
}

// buildRecorder always logs deliveries; postgres and kafka sinks are added
// behind a queue so slow sinks never hold up a download.
func buildRecorder(cfg config.Config, db gatewayDB, logger *zap.Logger) (audit.Recorder, func(), error) {
	logRecorder := audit.LogRecorder{Log: logger}
	var sink audit.Recorder
	var closeSink func()
	switch cfg.AuditSink {
	case "log":
		return logRecorder, func() {}, nil
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("AUDIT_SINK=postgres requires a database")
		}
		sink = audit.PostgresRecorder{DB: db}
		closeSink = func() {}
	case "kafka":
		k, err := audit.NewKafkaRecorder(audit.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, nil, errors.Wrap(err, "kafka audit")
		}
		sink = k
		closeSink = func() {
			if err := k.Close(); err != nil {
				logger.Warn("close kafka audit writer", zap.Error(err))
			}
		}
	default:
		return nil, nil, errors.Errorf("unsupported AUDIT_SINK %q", cfg.AuditSink)
	}
	q := audit.NewQueue(audit.Multi{logRecorder, sink}, 1024, logger)
	return q, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Close(ctx); err != nil {
			logger.Warn("audit queue did not drain", zap.Error(err))
		}
		closeSink()
	}, nil
}

// newUpstreamProxy forwards guarded actions unchanged. The caller kind is
// passed on so the upstream can tell forwarded internal traffic apart.
func (s *Server) newUpstreamProxy(target *url.URL, transport http.RoundTripper) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set(headerCallerKind, trust.FromContext(pr.In.Context()).Kind().String())
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log().Error("upstream action failed", zap.String("path", r.URL.Path), zap.Error(err))
			s.Formatter.Respond(w, r, respond.StorageUnavailable())
		},
	}
}
