package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/audit"
	"blobgate/pkg/blob"
	"blobgate/pkg/httpx"
	"blobgate/pkg/respond"
	"blobgate/pkg/stream"
	"blobgate/pkg/trust"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// serveBlob opens the payload first because the guard needs its stored media
// type and public flag. Under strict mode a missing blob and a forbidden one
// produce the same response.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := s.clock()
	id := trust.FromContext(ctx)
	ref, ok := parseBlobRef(chi.URLParam(r, "kind"), chi.URLParam(r, "*"))
	requested := requestedDisposition(r)
	log := s.log().With(
		zap.String("request_id", httpx.RequestID(ctx)),
		zap.String("identity", id.LogValue()),
		zap.String("kind", string(ref.Kind)),
		zap.String("key", ref.Key),
	)

	if !ok {
		s.deny(w, r, log, ref, s.Guard.Authorize(ctx, id, ref, requested), start)
		return
	}

	p, err := s.Sources.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.deny(w, r, log, ref, access.Deny(access.ReasonNotFound), start)
			return
		}
		log.Error("storage unavailable", zap.Error(err))
		s.Metrics.IncDeliveryFailure("storage_unavailable")
		s.Formatter.Respond(w, r, respond.StorageUnavailable())
		s.record(ctx, id, ref, audit.OutcomeUnavailable, http.StatusBadGateway, 0, start)
		return
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Debug("close payload", zap.Error(err))
		}
	}()

	ref.MediaType = p.ContentType
	ref.PublicReadable = p.PublicReadable
	decision := s.Guard.Authorize(ctx, id, ref, requested)
	if !decision.Allowed() {
		s.deny(w, r, log, ref, decision, start)
		return
	}
	s.Metrics.IncDecision(string(ref.Kind), "allow")

	d, err := s.Streamer.Stream(ctx, w, r, decision, p)
	if err != nil {
		var derr *blob.DeliveryError
		switch {
		case errors.As(err, &derr) && !derr.HeadersSent:
			s.Metrics.IncDeliveryFailure("storage_unavailable")
			s.Formatter.Respond(w, r, respond.StorageUnavailable())
			s.record(ctx, id, ref, audit.OutcomeUnavailable, http.StatusBadGateway, 0, start)
		case errors.Is(err, blob.ErrStreamInterrupted):
			s.Metrics.IncDeliveryFailure("stream_interrupted")
			s.record(ctx, id, ref, audit.OutcomeAborted, d.Status, d.Bytes, start)
		case errors.Is(err, blob.ErrStorageUnavailable):
			s.Metrics.IncDeliveryFailure("storage_unavailable")
			s.record(ctx, id, ref, audit.OutcomeUnavailable, d.Status, d.Bytes, start)
		default:
			log.Error("blob delivery failed", zap.Error(err))
			s.Metrics.IncDeliveryFailure("internal")
			if !d.HeadersSent {
				s.Formatter.Respond(w, r, respond.Internal())
			}
		}
		return
	}
	s.Metrics.ObserveDelivery(string(ref.Kind), d.Status, d.Bytes)
	s.record(ctx, id, ref, deliveryOutcome(d.Status), d.Status, d.Bytes, start)
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, log *zap.Logger, ref access.ResourceRef, d access.Decision, start time.Time) {
	log.Info("blob access denied", zap.String("reason", d.Reason()))
	kind := string(ref.Kind)
	if kind == "" {
		kind = "unknown"
	}
	s.Metrics.IncDecision(kind, d.Reason())
	o := respond.Denied(d, s.Guard.Strict)
	s.Formatter.Respond(w, r, o)
	status := s.Guard.DenyStatus(d)
	outcome := audit.OutcomeDenied
	if d.Reason() == access.ReasonNotFound {
		outcome = audit.OutcomeNotFound
	}
	s.record(r.Context(), trust.FromContext(r.Context()), ref, outcome, status, 0, start)
}

// record writes the audit event and mirrors it onto the live stream.
func (s *Server) record(ctx context.Context, id trust.Identity, ref access.ResourceRef, outcome string, status int, bytes int64, start time.Time) {
	userID, _ := id.UserID()
	now := s.clock()
	d := audit.NewDelivery(now, httpx.RequestID(ctx), id.Kind().String(), userID, s.AuditSalt)
	d.Resource = ref.String()
	d.Outcome = outcome
	d.Status = status
	d.Bytes = bytes
	d.DurationMS = now.Sub(start).Milliseconds()
	if s.Audit != nil {
		if err := s.Audit.Record(context.WithoutCancel(ctx), d); err != nil {
			s.log().Warn("audit record failed", zap.String("delivery_id", d.ID), zap.Error(err))
		}
	}
	s.Events.Publish(stream.NewEvent(stream.TypeDelivery, d))
}

func deliveryOutcome(status int) string {
	switch status {
	case http.StatusPartialContent:
		return audit.OutcomePartial
	case http.StatusNotModified:
		return audit.OutcomeNotModified
	case http.StatusRequestedRangeNotSatisfiable:
		return audit.OutcomeBadRange
	default:
		return audit.OutcomeDelivered
	}
}
