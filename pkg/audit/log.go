package audit

import (
	"context"

	"blobgate/pkg/logging"

	"go.uber.org/zap"
)

type LogRecorder struct {
	Log *zap.Logger
}

func (l LogRecorder) Record(_ context.Context, d Delivery) error {
	logging.OrNop(l.Log).Info("blob delivery",
		zap.String("delivery_id", d.ID),
		zap.String("request_id", d.RequestID),
		zap.String("caller", d.Caller),
		zap.String("user_hash", d.UserHash),
		zap.String("resource", d.Resource),
		zap.String("outcome", d.Outcome),
		zap.Int("status", d.Status),
		zap.Int64("bytes", d.Bytes),
		zap.Int64("duration_ms", d.DurationMS),
	)
	return nil
}
