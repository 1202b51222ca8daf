package access

import (
	"context"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"blobgate/pkg/trust"
)

type Kind string

const (
	KindSnippet      Kind = "snippet"
	KindArtifact     Kind = "artifact"
	KindRegistryBlob Kind = "registry-blob"
)

func ParseKind(raw string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindSnippet, KindArtifact, KindRegistryBlob:
		return k, true
	}
	return "", false
}

// ResourceRef identifies one blob. It is built by the routing layer and is
// never mutated.
type ResourceRef struct {
	Kind           Kind
	Scope          string
	Key            string
	PublicReadable bool
	// MediaType is the stored type of the blob, used for the disposition rule.
	MediaType string
}

// Valid rejects refs with unknown kinds, empty parts or traversal segments.
func (r ResourceRef) Valid() bool {
	if _, ok := ParseKind(string(r.Kind)); !ok {
		return false
	}
	if strings.TrimSpace(r.Scope) == "" || strings.TrimSpace(r.Key) == "" {
		return false
	}
	for _, part := range []string{r.Scope, r.Key} {
		if strings.ContainsRune(part, 0) || strings.Contains(part, "\\") {
			return false
		}
		for _, seg := range strings.Split(part, "/") {
			if seg == ".." || seg == "." {
				return false
			}
		}
	}
	return !strings.HasPrefix(r.Key, "/") && path.Clean(r.Key) == r.Key
}

func (r ResourceRef) String() string {
	return string(r.Kind) + ":" + r.Scope + "/" + r.Key
}

type Disposition int

const (
	Inline Disposition = iota
	Attachment
)

func (d Disposition) String() string {
	if d == Attachment {
		return "attachment"
	}
	return "inline"
}

type CacheMode int

const (
	NoStore CacheMode = iota
	PrivateTTL
	PublicTTL
)

type CachePolicy struct {
	Mode CacheMode
	TTL  time.Duration
}

// Header renders the Cache-Control value.
func (c CachePolicy) Header() string {
	secs := int64(c.TTL / time.Second)
	if secs < 0 {
		secs = 0
	}
	switch c.Mode {
	case PrivateTTL:
		return "private, max-age=" + strconv.FormatInt(secs, 10)
	case PublicTTL:
		return "public, max-age=" + strconv.FormatInt(secs, 10)
	default:
		return "no-store"
	}
}

const (
	ReasonForbidden = "forbidden"
	ReasonNotFound  = "not_found"
)

// Decision is either an Allow carrying cache policy and disposition, or a
// Deny carrying only a reason.
type Decision struct {
	allowed     bool
	cache       CachePolicy
	disposition Disposition
	reason      string
}

func Allow(cache CachePolicy, disposition Disposition) Decision {
	return Decision{allowed: true, cache: cache, disposition: disposition}
}

func Deny(reason string) Decision {
	return Decision{reason: reason}
}

func (d Decision) Allowed() bool { return d.allowed }

// Reason is internal diagnostics only; empty for Allow.
func (d Decision) Reason() string { return d.reason }

// Grant returns cache policy and disposition; ok is false for Deny.
func (d Decision) Grant() (CachePolicy, Disposition, bool) {
	if !d.allowed {
		return CachePolicy{}, Inline, false
	}
	return d.cache, d.disposition, true
}

// ReadAuthorizer answers "can this user read this resource". userID is nil
// for anonymous callers.
type ReadAuthorizer interface {
	CanRead(ctx context.Context, userID *string, ref ResourceRef) bool
}

type ReadAuthorizerFunc func(ctx context.Context, userID *string, ref ResourceRef) bool

func (f ReadAuthorizerFunc) CanRead(ctx context.Context, userID *string, ref ResourceRef) bool {
	return f(ctx, userID, ref)
}

type Guard struct {
	Authorizer ReadAuthorizer
	PrivateTTL time.Duration
	PublicTTL  time.Duration
	// Strict makes forbidden responses indistinguishable from not-found.
	Strict bool
}

// Authorize computes a fresh decision; it never fails and keeps no state.
func (g Guard) Authorize(ctx context.Context, id trust.Identity, ref ResourceRef, requested Disposition) Decision {
	if !ref.Valid() {
		return Deny(ReasonNotFound)
	}
	disposition := EffectiveDisposition(ref.MediaType, requested)
	if id.IsInternal() {
		return Allow(CachePolicy{Mode: NoStore}, disposition)
	}
	if g.Authorizer == nil {
		return Deny(ReasonForbidden)
	}
	var user *string
	if uid, ok := id.UserID(); ok {
		user = &uid
	}
	if !g.Authorizer.CanRead(ctx, user, ref) {
		return Deny(ReasonForbidden)
	}
	if ref.PublicReadable {
		return Allow(CachePolicy{Mode: PublicTTL, TTL: g.PublicTTL}, disposition)
	}
	return Allow(CachePolicy{Mode: PrivateTTL, TTL: g.PrivateTTL}, disposition)
}

// DenyStatus maps a denial to its HTTP status under the strictness flag.
func (g Guard) DenyStatus(d Decision) int {
	if g.Strict || d.Reason() == ReasonNotFound {
		return 404
	}
	return 403
}

// scriptCapable types execute in a browser even though their category is
// text or image.
var scriptCapable = map[string]struct{}{
	"image/svg+xml":   {},
	"text/html":       {},
	"text/javascript": {},
	"text/ecmascript": {},
	"text/xml":        {},
	"text/xsl":        {},
}

// EffectiveDisposition honours Inline only for text/* and image/* media types.
func EffectiveDisposition(mediaType string, requested Disposition) Disposition {
	if requested != Inline {
		return Attachment
	}
	if InlineSafe(mediaType) {
		return Inline
	}
	return Attachment
}

func InlineSafe(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return false
	}
	if _, bad := scriptCapable[mt]; bad {
		return false
	}
	return strings.HasPrefix(mt, "text/") || strings.HasPrefix(mt, "image/")
}
