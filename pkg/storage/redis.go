package storage

import (
	"context"
	"strconv"
	"time"

	"blobgate/pkg/access"
	"blobgate/pkg/blob"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads small blobs, typically snippets, from redis hashes at
// <prefix><kind>:<scope>:<key> with fields content, content_type, filename,
// etag, public and updated_at (unix seconds).
type RedisSource struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{Client: client, Prefix: "blob:", Timeout: 2 * time.Second}
}

func (s *RedisSource) Key(ref access.ResourceRef) string {
	return s.Prefix + string(ref.Kind) + ":" + ref.Scope + ":" + ref.Key
}

func (s *RedisSource) Open(ctx context.Context, ref access.ResourceRef) (blob.Payload, error) {
	if !ref.Valid() {
		return blob.Payload{}, notFound(ref)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	fields, err := s.Client.HGetAll(ctx, s.Key(ref)).Result()
	if err != nil {
		return blob.Payload{}, unavailable(err, "redis hgetall")
	}
	content, ok := fields["content"]
	if !ok {
		return blob.Payload{}, notFound(ref)
	}
	body := []byte(content)
	p := blob.Payload{
		Body:           newMemBody(body),
		Size:           int64(len(body)),
		ContentType:    fields["content_type"],
		ETag:           fields["etag"],
		Filename:       fields["filename"],
		PublicReadable: fields["public"] == "1" || fields["public"] == "true",
	}
	if p.ETag == "" {
		p.ETag = contentETag(body)
	}
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil && ts > 0 {
		p.LastModified = time.Unix(ts, 0).UTC()
	}
	return p, nil
}
