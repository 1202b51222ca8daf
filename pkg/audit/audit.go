// Package audit records one event per blob delivery attempt.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Outcome values recorded for a delivery attempt.
const (
	OutcomeDelivered   = "delivered"
	OutcomePartial     = "partial"
	OutcomeNotModified = "not_modified"
	OutcomeDenied      = "denied"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeBadRange    = "range_not_satisfiable"
	OutcomeAborted     = "aborted"
)

type Delivery struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	RequestID  string    `json:"request_id,omitempty"`
	Caller     string    `json:"caller"`
	UserHash   string    `json:"user_hash,omitempty"`
	Resource   string    `json:"resource"`
	Outcome    string    `json:"outcome"`
	Status     int       `json:"status"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
}

// NewDelivery stamps an id and time on a new event. Raw user ids are never
// stored; only their salted hash is.
func NewDelivery(now time.Time, requestID, caller, userID string, salt []byte) Delivery {
	d := Delivery{
		ID:         uuid.NewString(),
		OccurredAt: now.UTC(),
		RequestID:  requestID,
		Caller:     caller,
	}
	if userID != "" {
		d.UserHash = HashUser(userID, salt)
	}
	return d
}

func HashUser(userID string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}

type Recorder interface {
	Record(ctx context.Context, d Delivery) error
}

type RecorderFunc func(ctx context.Context, d Delivery) error

func (f RecorderFunc) Record(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Multi fans out to every recorder and returns the first error.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, d Delivery) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, d); err != nil && first == nil {
			first = errors.Wrap(err, "record delivery")
		}
	}
	return first
}
