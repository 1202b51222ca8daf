package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"blobgate/pkg/logging"
	"blobgate/pkg/ratelimit"
	"blobgate/pkg/store"
	"blobgate/pkg/trust"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	HeaderToken    = "X-Challenge-Token"
	HeaderResponse = "X-Challenge-Response"

	ReasonThreshold   = "activity_threshold"
	ReasonFailed      = "challenge_failed"
	ReasonExpired     = "challenge_expired"
	ReasonReplayed    = "challenge_replayed"
	ReasonUnavailable = "challenge_unavailable"
)

// ThresholdPolicy lets each caller run an action Threshold times per limiter
// window, then requires a solved challenge. Calls are counted per client IP
// and, for identified users, per user as well; exceeding either counter
// challenges. Issued tokens are bound to the client IP they were issued to and
// each solved token is accepted once, resetting the caller's counters.
// Internal callers are never challenged.
type ThresholdPolicy struct {
	Limiter   ratelimit.Limiter
	Threshold int
	Verifier  ResponseVerifier
	Tokens    store.Cache
	TokenTTL  time.Duration
	Log       *zap.Logger
}

func (p *ThresholdPolicy) Check(r *http.Request, action string) Requirement {
	ctx := r.Context()
	id := trust.FromContext(ctx)
	if id.IsInternal() {
		return NotRequired()
	}
	ip := clientIP(r)
	keys := counterKeys(action, ip, id)

	token := strings.TrimSpace(r.Header.Get(HeaderToken))
	answer := strings.TrimSpace(r.Header.Get(HeaderResponse))
	if token != "" && answer != "" {
		reason, err := p.redeem(ctx, token, answer, ip)
		if err != nil {
			logging.OrNop(p.Log).Warn("challenge verification failed", zap.String("action", action), zap.Error(err))
		}
		if reason == "" {
			for _, key := range keys {
				if err := p.Limiter.Reset(ctx, key); err != nil {
					logging.OrNop(p.Log).Warn("reset challenge counter", zap.Error(err))
				}
			}
			return NotRequired()
		}
		return p.require(ctx, reason, ip)
	}

	if p.Threshold > 0 && p.allow(ctx, keys) {
		return NotRequired()
	}
	return p.require(ctx, ReasonThreshold, ip)
}

// allow counts the call against every key and reports whether all stay within
// the threshold.
func (p *ThresholdPolicy) allow(ctx context.Context, keys []string) bool {
	allowed := true
	for _, key := range keys {
		if !p.Limiter.Allow(ctx, key, p.Threshold).Allowed {
			allowed = false
		}
	}
	return allowed
}

// redeem returns "" when the answer is valid and unused, else the reason it
// was rejected.
func (p *ThresholdPolicy) redeem(ctx context.Context, token, answer, ip string) (string, error) {
	owner, err := p.Tokens.Get(ctx, issuedKey(token))
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return ReasonExpired, nil
		}
		return ReasonUnavailable, errors.Wrap(err, "lookup issued token")
	}
	if owner != tokenOwner(ip) {
		return ReasonFailed, nil
	}
	if p.Verifier == nil {
		return ReasonUnavailable, errors.New("no challenge verifier configured")
	}
	ok, err := p.Verifier.Verify(ctx, token, answer, ip)
	if err != nil {
		return ReasonUnavailable, err
	}
	if !ok {
		return ReasonFailed, nil
	}
	fresh, err := p.Tokens.SetNX(ctx, usedKey(token), "1", p.ttl())
	if err != nil {
		return ReasonUnavailable, errors.Wrap(err, "mark token used")
	}
	if !fresh {
		return ReasonReplayed, nil
	}
	_ = p.Tokens.Del(ctx, issuedKey(token))
	return "", nil
}

func (p *ThresholdPolicy) require(ctx context.Context, reason, ip string) Requirement {
	token := uuid.NewString()
	if err := p.Tokens.Set(ctx, issuedKey(token), tokenOwner(ip), p.ttl()); err != nil {
		logging.OrNop(p.Log).Warn("store challenge token", zap.Error(err))
	}
	return Required(reason, token)
}

func (p *ThresholdPolicy) ttl() time.Duration {
	if p.TokenTTL > 0 {
		return p.TokenTTL
	}
	return 10 * time.Minute
}

func issuedKey(token string) string { return "challenge:issued:" + token }

func usedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "challenge:used:" + hex.EncodeToString(sum[:])
}

func tokenOwner(ip string) string { return "ip:" + ip }

func counterKeys(action, ip string, id trust.Identity) []string {
	keys := []string{action + ":ip:" + ip}
	if uid, ok := id.UserID(); ok {
		keys = append(keys, action+":user:"+uid)
	}
	return keys
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
