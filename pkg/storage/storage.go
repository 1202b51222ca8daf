// Package storage implements blob.Source over the local filesystem, redis
// and postgres, plus a per-kind multiplexer.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"blobgate/pkg/access"
	"blobgate/pkg/blob"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// sourceError carries a blob sentinel alongside the backend error.
type sourceError struct {
	cause error
	err   error
}

func (e *sourceError) Error() string { return e.cause.Error() + ": " + e.err.Error() }

func (e *sourceError) Unwrap() []error { return []error{e.cause, e.err} }

func notFound(ref access.ResourceRef) error {
	return errors.Wrap(blob.ErrNotFound, ref.String())
}

func unavailable(err error, msg string) error {
	return &sourceError{cause: blob.ErrStorageUnavailable, err: errors.Wrap(err, msg)}
}

// memBody is a seekable in-memory payload body.
type memBody struct{ *bytes.Reader }

func (memBody) Close() error { return nil }

func newMemBody(b []byte) memBody { return memBody{bytes.NewReader(b)} }

func contentETag(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// Mux routes each kind to its own source.
type Mux struct {
	sources map[access.Kind]blob.Source
}

func NewMux() *Mux { return &Mux{sources: map[access.Kind]blob.Source{}} }

// Handle registers src for kind, replacing any previous source.
func (m *Mux) Handle(kind access.Kind, src blob.Source) *Mux {
	m.sources[kind] = src
	return m
}

func (m *Mux) Open(ctx context.Context, ref access.ResourceRef) (blob.Payload, error) {
	ctx, span := otel.Tracer("blobgate/storage").Start(ctx, "storage.open")
	defer span.End()
	span.SetAttributes(attribute.String("blob.kind", string(ref.Kind)))

	src, ok := m.sources[ref.Kind]
	if !ok || !ref.Valid() {
		return blob.Payload{}, notFound(ref)
	}
	p, err := src.Open(ctx, ref)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "open failed")
		}
		return blob.Payload{}, err
	}
	span.SetAttributes(attribute.Int64("blob.size", p.Size))
	return p, nil
}
