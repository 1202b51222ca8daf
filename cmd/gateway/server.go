package main

import (
	"bufio"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/audit"
	"blobgate/pkg/blob"
	"blobgate/pkg/challenge"
	"blobgate/pkg/httpx"
	"blobgate/pkg/logging"
	"blobgate/pkg/metrics"
	"blobgate/pkg/respond"
	"blobgate/pkg/stream"
	"blobgate/pkg/telemetry"
	"blobgate/pkg/trust"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// headerCallerKind tells the upstream whether the gateway classified the
// caller as internal or public.
const headerCallerKind = "X-Blobgate-Caller"

type Server struct {
	Sources   blob.Source
	Guard     access.Guard
	Streamer  *blob.Streamer
	Formatter respond.Formatter
	Trust     *trust.Verifier
	// Gate is nil when challenges are disabled.
	Gate      *challenge.Gate
	Upstream  http.Handler
	Audit     audit.Recorder
	AuditSalt []byte
	Events    *stream.Hub
	Metrics   *metrics.Registry
	Log       *zap.Logger

	GuardedActions      []string
	CORSAllowedOrigins  string
	WSOriginPatterns    []string
	MaxRequestBodyBytes int64

	now          func() time.Time
	auditDropped func() int64
}

func (s *Server) log() *zap.Logger { return logging.OrNop(s.Log) }

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.Trust.Middleware)
	r.Use(telemetry.HTTPMiddleware(serviceName, func(r *http.Request) bool {
		return !trust.FromContext(r.Context()).IsInternal()
	}))
	r.Use(httpx.MaxBodyMiddleware(s.MaxRequestBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/v1/blobs/{kind}/*", s.serveBlob)
	r.Head("/v1/blobs/{kind}/*", s.serveBlob)

	actions := s.actionHandler()
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Method(method, "/v1/actions/{action}", actions)
		r.Method(method, "/v1/actions/{action}/*", actions)
	}

	r.Group(func(r chi.Router) {
		r.Use(trust.RequireInternal)
		r.Get("/metrics", s.withGauges(s.Metrics.Handler()))
		r.Get("/metrics/prometheus", s.withGauges(s.Metrics.PrometheusHandler()))
		r.Get("/v1/events", stream.Handler{Hub: s.Events, OriginPatterns: s.WSOriginPatterns}.ServeHTTP)
	})
	return r
}

// actionHandler proxies actions upstream; names in GuardedActions pass the
// challenge gate first.
func (s *Server) actionHandler() http.Handler {
	guarded := make(map[string]http.Handler, len(s.GuardedActions))
	if s.Gate != nil {
		for _, action := range s.GuardedActions {
			guarded[action] = s.Gate.Middleware(action)(s.Upstream)
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Upstream == nil {
			s.Formatter.Respond(w, r, respond.StorageUnavailable())
			return
		}
		if h, ok := guarded[chi.URLParam(r, "action")]; ok {
			h.ServeHTTP(w, r)
			return
		}
		s.Upstream.ServeHTTP(w, r)
	})
}

func (s *Server) observeChallenge(action string, req challenge.Requirement) {
	if s.Metrics != nil {
		s.Metrics.IncChallenge(action, req.ReasonCode)
	}
	s.Events.Publish(stream.NewEvent(stream.TypeChallenge, stream.ChallengeIssued{
		Action:     action,
		ReasonCode: req.ReasonCode,
		Caller:     trust.Public.String(),
	}))
}

func (s *Server) withGauges(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Events != nil {
			s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
			s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
		}
		if s.auditDropped != nil {
			s.Metrics.SetGauge("audit_dropped_events", float64(s.auditDropped()))
		}
		next(w, r)
	}
}

// parseBlobRef reads "<scope>/-/<key>" after the kind. Without the "-"
// separator the first segment is the scope and the rest is the key.
func parseBlobRef(rawKind, rest string) (access.ResourceRef, bool) {
	kind, ok := access.ParseKind(rawKind)
	if !ok {
		return access.ResourceRef{}, false
	}
	rest, err := url.PathUnescape(rest)
	if err != nil {
		return access.ResourceRef{Kind: kind}, false
	}
	var scope, key string
	if i := strings.Index(rest, "/-/"); i >= 0 {
		scope, key = rest[:i], rest[i+len("/-/"):]
	} else if scope, key, ok = strings.Cut(rest, "/"); !ok {
		return access.ResourceRef{Kind: kind}, false
	}
	ref := access.ResourceRef{Kind: kind, Scope: scope, Key: key}
	return ref, ref.Valid()
}

// requestedDisposition defaults to inline; the guard downgrades unsafe types.
func requestedDisposition(r *http.Request) access.Disposition {
	q := r.URL.Query()
	if _, ok := q["download"]; ok || strings.EqualFold(q.Get("disposition"), "attachment") {
		return access.Attachment
	}
	return access.Inline
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *statusRecorder) Flush() {
	_ = http.NewResponseController(s.ResponseWriter).Flush()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.Metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}
