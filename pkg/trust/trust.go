package trust

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

const (
	HeaderTrustToken  = "X-Internal-Trust-Token"
	HeaderForwarderID = "X-Internal-Forwarder-Id"
)

type Kind int

const (
	Public Kind = iota
	Internal
)

func (k Kind) String() string {
	if k == Internal {
		return "internal"
	}
	return "public"
}

// Identity is the caller classification for one request. The zero value is
// an anonymous public caller.
type Identity struct {
	kind        Kind
	forwarderID string
	userID      string
	hasUser     bool
}

func InternalIdentity(forwarderID string) Identity {
	return Identity{kind: Internal, forwarderID: forwarderID}
}

func PublicIdentity(userID string, ok bool) Identity {
	if !ok || userID == "" {
		return Identity{kind: Public}
	}
	return Identity{kind: Public, userID: userID, hasUser: true}
}

func (i Identity) Kind() Kind          { return i.kind }
func (i Identity) IsInternal() bool    { return i.kind == Internal }
func (i Identity) ForwarderID() string { return i.forwarderID }

// UserID is only meaningful for public identities.
func (i Identity) UserID() (string, bool) { return i.userID, i.hasUser }

// LogValue renders the identity for logs without the user id.
func (i Identity) LogValue() string {
	switch {
	case i.kind == Internal && i.forwarderID != "":
		return "internal:" + i.forwarderID
	case i.kind == Internal:
		return "internal"
	case i.hasUser:
		return "public:user"
	default:
		return "public:anonymous"
	}
}

// UserResolver resolves the public end user from the session layer.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, bool)
}

type UserResolverFunc func(r *http.Request) (string, bool)

func (f UserResolverFunc) ResolveUser(r *http.Request) (string, bool) { return f(r) }

// HeaderUserResolver reads the user id that the session layer stamped on the
// request. The header is honoured only from peers inside Networks; with no
// networks every caller is anonymous.
type HeaderUserResolver struct {
	Header   string
	Networks []*net.IPNet
}

func (h HeaderUserResolver) ResolveUser(r *http.Request) (string, bool) {
	if h.Header == "" || !peerIn(r.RemoteAddr, h.Networks) {
		return "", false
	}
	values := r.Header.Values(h.Header)
	if len(values) != 1 {
		return "", false
	}
	v := strings.TrimSpace(values[0])
	return v, v != ""
}

// Verifier classifies requests. It holds only immutable configuration and is
// safe for concurrent use.
type Verifier struct {
	secret   []byte
	users    UserResolver
	networks []*net.IPNet
}

type Option func(*Verifier)

// WithUserResolver sets the session collaborator used for public callers.
func WithUserResolver(r UserResolver) Option {
	return func(v *Verifier) { v.users = r }
}

// WithTrustedNetworks restricts internal claims to peers inside the networks.
func WithTrustedNetworks(networks []*net.IPNet) Option {
	return func(v *Verifier) {
		v.networks = append([]*net.IPNet(nil), networks...)
	}
}

// NewVerifier copies secret; an empty secret disables internal classification.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Classify inspects only the trust headers. A missing or mismatched token
// yields a public identity; the two cases are indistinguishable to callers.
func Classify(h http.Header, secret []byte) (Identity, bool) {
	if len(secret) == 0 {
		return Identity{}, false
	}
	values := h.Values(HeaderTrustToken)
	if len(values) != 1 {
		return Identity{}, false
	}
	if subtle.ConstantTimeCompare([]byte(values[0]), secret) != 1 {
		return Identity{}, false
	}
	return InternalIdentity(strings.TrimSpace(h.Get(HeaderForwarderID))), true
}

// Classify returns the request's identity. It never fails.
func (v *Verifier) Classify(r *http.Request) Identity {
	if id, ok := Classify(r.Header, v.secret); ok && v.peerTrusted(r.RemoteAddr) {
		return id
	}
	if v.users == nil {
		return Identity{}
	}
	return PublicIdentity(v.users.ResolveUser(r))
}

func (v *Verifier) peerTrusted(remoteAddr string) bool {
	return len(v.networks) == 0 || peerIn(remoteAddr, v.networks)
}

func peerIn(remoteAddr string, networks []*net.IPNet) bool {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware classifies every request and stores the identity on its context.
// The trust token is stripped so nothing downstream can re-read it. A session
// header is replaced by the verified user id, or removed when there is none.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := v.Classify(r)
		r.Header.Del(HeaderTrustToken)
		if h, ok := v.users.(HeaderUserResolver); ok && h.Header != "" {
			r.Header.Del(h.Header)
			if user, ok := id.UserID(); ok {
				r.Header.Set(h.Header, user)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type contextKey string

const identityContextKey contextKey = "blobgate.identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the stored identity, or an anonymous public one.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// RequireInternal rejects non-internal callers with a plain 404.
func RequireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).IsInternal() {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
