// Package blob streams stored payloads to HTTP clients under an access
// decision: content headers, caching, conditional and byte-range requests.
package blob

import (
	"context"
	"errors"
	"io"
	"time"

	"blobgate/pkg/access"
)

var (
	ErrNotFound           = errors.New("blob: not found")
	ErrStorageUnavailable = errors.New("blob: storage unavailable")
	ErrStreamInterrupted  = errors.New("blob: stream interrupted")
	ErrNotAllowed         = errors.New("blob: decision does not allow delivery")
)

// Payload is a stored blob opened for reading. Body may additionally
// implement io.Seeker, which enables byte-range delivery.
type Payload struct {
	Body         io.ReadCloser
	Size         int64 // -1 when unknown
	ContentType  string
	ETag         string
	LastModified time.Time
	Filename     string
	// PublicReadable marks blobs anyone may read, such as anonymous snippets.
	PublicReadable bool
}

func (p Payload) seeker() (io.ReadSeeker, bool) {
	if p.Size < 0 {
		return nil, false
	}
	rs, ok := p.Body.(io.ReadSeeker)
	return rs, ok
}

// Close releases the payload body.
func (p Payload) Close() error {
	if p.Body == nil {
		return nil
	}
	return p.Body.Close()
}

// Source opens payloads. Implementations return errors matching ErrNotFound
// or ErrStorageUnavailable and own their own upstream timeouts.
type Source interface {
	Open(ctx context.Context, ref access.ResourceRef) (Payload, error)
}

// DeliveryError describes a failed delivery. Cause is one of the package
// sentinels and is matched by errors.Is.
type DeliveryError struct {
	Cause       error
	Err         error
	Written     int64
	HeadersSent bool
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return e.Cause.Error()
	}
	return e.Cause.Error() + ": " + e.Err.Error()
}

func (e *DeliveryError) Is(target error) bool { return target == e.Cause }

func (e *DeliveryError) Unwrap() error { return e.Err }
