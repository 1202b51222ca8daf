// Package challenge interposes a human-verification step in front of
// guarded actions. The check always runs before the action, and an
// intercepted action never runs.
package challenge

import (
	"context"
	"net/http"

	"blobgate/pkg/logging"
	"blobgate/pkg/respond"

	"go.uber.org/zap"
)

// Requirement is the result of a challenge check. ReasonCode and RenderToken
// are only meaningful when Required is set.
type Requirement struct {
	Required    bool
	ReasonCode  string
	RenderToken string
}

func NotRequired() Requirement { return Requirement{} }

func Required(reasonCode, renderToken string) Requirement {
	return Requirement{Required: true, ReasonCode: reasonCode, RenderToken: renderToken}
}

// Outcome holds either the action's result or the challenge response that
// replaced it.
type Outcome[T any] struct {
	value       T
	response    respond.Response
	intercepted bool
}

// Value returns the action result when the action ran.
func (o Outcome[T]) Value() (T, bool) { return o.value, !o.intercepted }

// Intercepted returns the challenge response when the action was skipped.
func (o Outcome[T]) Intercepted() (respond.Response, bool) { return o.response, o.intercepted }

// Guard evaluates check and, only when no challenge is required, runs action
// and returns its value and error unchanged, even when both are set.
func Guard[T any](ctx context.Context, rep respond.Representation, f respond.Formatter, check func(context.Context) Requirement, action func(context.Context) (T, error)) (Outcome[T], error) {
	if req := check(ctx); req.Required {
		return Outcome[T]{
			response:    f.Format(respond.ChallengeRequired(req.ReasonCode, req.RenderToken), rep),
			intercepted: true,
		}, nil
	}
	v, err := action(ctx)
	return Outcome[T]{value: v}, err
}

// Policy decides whether r must pass a challenge before action runs.
type Policy interface {
	Check(r *http.Request, action string) Requirement
}

type PolicyFunc func(r *http.Request, action string) Requirement

func (f PolicyFunc) Check(r *http.Request, action string) Requirement { return f(r, action) }

// Gate wraps HTTP handlers with Guard.
type Gate struct {
	Policy    Policy
	Formatter respond.Formatter
	Log       *zap.Logger
	// OnChallenge, when set, observes every intercepted request.
	OnChallenge func(action string, req Requirement)
}

// Middleware guards next under the given action name.
func (g *Gate) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var seen Requirement
			check := func(context.Context) Requirement {
				if g.Policy == nil {
					return NotRequired()
				}
				seen = g.Policy.Check(r, action)
				return seen
			}
			run := func(ctx context.Context) (struct{}, error) {
				next.ServeHTTP(w, r.WithContext(ctx))
				return struct{}{}, nil
			}
			out, _ := Guard(r.Context(), respond.NegotiateRequest(r), g.Formatter, check, run)
			if resp, ok := out.Intercepted(); ok {
				logging.OrNop(g.Log).Info("challenge required",
					zap.String("action", action),
					zap.String("reason", seen.ReasonCode))
				if g.OnChallenge != nil {
					g.OnChallenge(action, seen)
				}
				resp.Write(w)
			}
		})
	}
}
