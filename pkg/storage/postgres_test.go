package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/blob"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *[]byte:
			*p = r.values[i].([]byte)
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	q.args = args
	return q.row
}

func TestPostgresSourceOpen(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeQuerier{row: fakeRow{values: []any{[]byte("%PDF-1.7"), "application/pdf", "manual.pdf", "", false, updated}}}
	ref := access.ResourceRef{Kind: access.KindArtifact, Scope: "acme/docs", Key: "manual.pdf"}

	p, err := NewPostgresSource(db).Open(context.Background(), ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if db.args[0] != "artifact" || db.args[1] != "acme/docs" || db.args[2] != "manual.pdf" {
		t.Fatalf("unexpected query args %v", db.args)
	}
	if p.Size != 8 || p.ContentType != "application/pdf" || p.Filename != "manual.pdf" || !p.LastModified.Equal(updated) {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.ETag == "" {
		t.Fatal("expected derived etag")
	}
}

func TestPostgresSourceErrors(t *testing.T) {
	ref := access.ResourceRef{Kind: access.KindArtifact, Scope: "acme", Key: "k"}

	_, err := NewPostgresSource(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}).Open(context.Background(), ref)
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("connection reset")
	_, err = NewPostgresSource(&fakeQuerier{row: fakeRow{err: boom}}).Open(context.Background(), ref)
	if !errors.Is(err, blob.ErrStorageUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ErrStorageUnavailable, got %v", err)
	}

	db := &fakeQuerier{}
	_, err = NewPostgresSource(db).Open(context.Background(), access.ResourceRef{Kind: access.KindArtifact, Scope: "acme", Key: "../x"})
	if !errors.Is(err, blob.ErrNotFound) || db.args != nil {
		t.Fatalf("invalid refs must not reach the database, err=%v", err)
	}
}
