package audit

import (
	"context"

	"blobgate/pkg/store"

	"github.com/pkg/errors"
)

// PostgresRecorder appends deliveries to blob_deliveries.
type PostgresRecorder struct {
	DB store.Execer
}

func (p PostgresRecorder) Record(ctx context.Context, d Delivery) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO blob_deliveries
		(id, occurred_at, request_id, caller, user_hash, resource, outcome, status, bytes, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, d.ID, d.OccurredAt, d.RequestID, d.Caller, d.UserHash, d.Resource, d.Outcome, d.Status, d.Bytes, d.DurationMS)
	return errors.Wrap(err, "insert delivery")
}
