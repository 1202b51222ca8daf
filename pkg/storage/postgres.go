package storage

import (
	"context"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/blob"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const objectQuery = `
	SELECT content, content_type, filename, etag, public_readable, updated_at
	FROM blob_objects
	WHERE kind = $1 AND scope = $2 AND key = $3`

// PostgresSource reads blobs stored inline in the blob_objects table.
type PostgresSource struct {
	DB      rowQuerier
	Timeout time.Duration
}

func NewPostgresSource(db rowQuerier) *PostgresSource {
	return &PostgresSource{DB: db, Timeout: 5 * time.Second}
}

func (s *PostgresSource) Open(ctx context.Context, ref access.ResourceRef) (blob.Payload, error) {
	if !ref.Valid() {
		return blob.Payload{}, notFound(ref)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var (
		content                     []byte
		contentType, filename, etag string
		public                      bool
		updated                     time.Time
	)
	err := s.DB.QueryRow(ctx, objectQuery, string(ref.Kind), ref.Scope, ref.Key).
		Scan(&content, &contentType, &filename, &etag, &public, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return blob.Payload{}, notFound(ref)
	}
	if err != nil {
		return blob.Payload{}, unavailable(err, "query blob_objects")
	}
	if etag == "" {
		etag = contentETag(content)
	}
	return blob.Payload{
		Body:           newMemBody(content),
		Size:           int64(len(content)),
		ContentType:    contentType,
		ETag:           etag,
		LastModified:   updated,
		Filename:       filename,
		PublicReadable: public,
	}, nil
}
