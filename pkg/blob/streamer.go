package blob

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"blobgate/pkg/access"
	"blobgate/pkg/logging"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultChunkSize = 32 * 1024

// Delivery summarises one Stream call.
type Delivery struct {
	Status      int
	Bytes       int64
	HeadersSent bool
}

type Streamer struct {
	ChunkSize int
	Log       *zap.Logger
}

func NewStreamer(chunkSize int, log *zap.Logger) *Streamer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Streamer{ChunkSize: chunkSize, Log: log}
}

// Stream writes p to w under decision. Once headers are sent a failure only
// stops the body; the returned *DeliveryError reports how far it got.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, r *http.Request, decision access.Decision, p Payload) (Delivery, error) {
	cache, disposition, ok := decision.Grant()
	if !ok {
		return Delivery{}, ErrNotAllowed
	}
	ctx, span := otel.Tracer("blobgate/blob").Start(ctx, "blob.stream")
	defer span.End()

	contentType := p.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition = access.EffectiveDisposition(contentType, disposition)
	etag := quoteETag(p.ETag)

	h := w.Header()
	h.Set("Cache-Control", cache.Header())
	if etag != "" {
		h.Set("ETag", etag)
	}
	if !p.LastModified.IsZero() {
		h.Set("Last-Modified", p.LastModified.UTC().Format(http.TimeFormat))
	}

	if notModified(r, etag, p.LastModified) {
		w.WriteHeader(http.StatusNotModified)
		span.SetAttributes(attribute.Int("http.status_code", http.StatusNotModified))
		return Delivery{Status: http.StatusNotModified, HeadersSent: true}, nil
	}

	h.Set("Content-Type", contentType)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Disposition", ContentDisposition(disposition, p.Filename))

	var body io.Reader = p.Body
	status := http.StatusOK
	length := p.Size
	rs, seekable := p.seeker()
	if seekable {
		h.Set("Accept-Ranges", "bytes")
	} else {
		h.Set("Accept-Ranges", "none")
	}
	if rh := r.Header.Get("Range"); rh != "" && seekable && ifRangeAllows(r, etag, p.LastModified) {
		br, res := parseRange(rh, p.Size)
		switch res {
		case rangeUnsatisfiable:
			h.Del("Content-Disposition")
			h.Set("Content-Range", "bytes */"+strconv.FormatInt(p.Size, 10))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			span.SetAttributes(attribute.Int("http.status_code", http.StatusRequestedRangeNotSatisfiable))
			return Delivery{Status: http.StatusRequestedRangeNotSatisfiable, HeadersSent: true}, nil
		case rangeSatisfiable:
			if _, err := rs.Seek(br.start, io.SeekStart); err != nil {
				clearContentHeaders(h)
				derr := &DeliveryError{Cause: ErrStorageUnavailable, Err: errors.WithMessage(err, "seek")}
				span.RecordError(derr)
				span.SetStatus(codes.Error, "seek failed")
				return Delivery{}, derr
			}
			status = http.StatusPartialContent
			length = br.length
			body = rs
			h.Set("Content-Range", br.contentRange(p.Size))
		}
	}
	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(status)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if r.Method == http.MethodHead {
		return Delivery{Status: status, HeadersSent: true}, nil
	}

	written, err := s.copy(ctx, w, body, length)
	span.SetAttributes(attribute.Int64("blob.bytes", written))
	d := Delivery{Status: status, Bytes: written, HeadersSent: true}
	if err != nil {
		err.Written = written
		err.HeadersSent = true
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Cause.Error())
		fields := []zap.Field{zap.Int64("bytes", written), zap.Int("status", status), zap.Error(err.Err)}
		log := logging.OrNop(s.Log)
		if err.Cause == ErrStreamInterrupted {
			log.Debug("stream interrupted", fields...)
		} else {
			log.Error("payload read failed mid-stream", fields...)
		}
		return d, err
	}
	return d, nil
}

// copy moves at most limit bytes (all when negative) in ChunkSize pieces and
// stops as soon as ctx is done.
func (s *Streamer) copy(ctx context.Context, w io.Writer, src io.Reader, limit int64) (int64, *DeliveryError) {
	size := s.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	buf := make([]byte, size)
	flusher, _ := w.(http.Flusher)
	var written int64
	for limit < 0 || written < limit {
		if err := ctx.Err(); err != nil {
			return written, &DeliveryError{Cause: ErrStreamInterrupted, Err: err}
		}
		chunk := buf
		if limit >= 0 && limit-written < int64(len(chunk)) {
			chunk = chunk[:limit-written]
		}
		n, rerr := src.Read(chunk)
		if n > 0 {
			m, werr := w.Write(chunk[:n])
			written += int64(m)
			if werr != nil {
				return written, &DeliveryError{Cause: ErrStreamInterrupted, Err: werr}
			}
			if m < n {
				return written, &DeliveryError{Cause: ErrStreamInterrupted, Err: io.ErrShortWrite}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			if limit >= 0 && written < limit {
				return written, &DeliveryError{Cause: ErrStorageUnavailable, Err: io.ErrUnexpectedEOF}
			}
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, &DeliveryError{Cause: ErrStreamInterrupted, Err: rerr}
			}
			return written, &DeliveryError{Cause: ErrStorageUnavailable, Err: errors.WithMessage(rerr, "read payload")}
		}
	}
	return written, nil
}

func clearContentHeaders(h http.Header) {
	for _, k := range []string{"Content-Type", "Content-Disposition", "Content-Range", "Content-Length", "Accept-Ranges", "ETag", "Last-Modified", "Cache-Control", "X-Content-Type-Options"} {
		h.Del(k)
	}
}
