package storage

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"blobgate/pkg/access"
	"blobgate/pkg/blob"

	"github.com/pkg/errors"
)

const metaSuffix = ".meta.json"

// FileSource serves <root>/<kind>/<scope>/<key>. An optional sidecar
// <key>.meta.json overrides content type and filename and marks the blob
// public.
type FileSource struct {
	root *os.Root
}

type fileMeta struct {
	ContentType    string `json:"content_type"`
	Filename       string `json:"filename"`
	PublicReadable bool   `json:"public_readable"`
}

func NewFileSource(dir string) (*FileSource, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open blob root %s", dir)
	}
	return &FileSource{root: root}, nil
}

func (s *FileSource) Close() error { return s.root.Close() }

func (s *FileSource) Open(ctx context.Context, ref access.ResourceRef) (blob.Payload, error) {
	if err := ctx.Err(); err != nil {
		return blob.Payload{}, unavailable(err, "open file")
	}
	if !ref.Valid() || strings.HasSuffix(ref.Key, metaSuffix) {
		return blob.Payload{}, notFound(ref)
	}
	rel := filepath.FromSlash(path.Join(string(ref.Kind), ref.Scope, ref.Key))
	f, err := s.root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || isEscape(err) {
			return blob.Payload{}, notFound(ref)
		}
		return blob.Payload{}, unavailable(err, "open file")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return blob.Payload{}, unavailable(err, "stat file")
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return blob.Payload{}, notFound(ref)
	}
	meta := s.readMeta(rel)
	p := blob.Payload{
		Body:           f,
		Size:           info.Size(),
		ContentType:    meta.ContentType,
		ETag:           strconv.FormatInt(info.Size(), 36) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 36),
		LastModified:   info.ModTime(),
		Filename:       meta.Filename,
		PublicReadable: meta.PublicReadable,
	}
	if ref.Kind == access.KindRegistryBlob && strings.HasPrefix(path.Base(ref.Key), "sha256:") {
		p.ETag = path.Base(ref.Key)
	}
	if p.Filename == "" {
		p.Filename = path.Base(ref.Key)
	}
	if p.ContentType == "" {
		p.ContentType = mime.TypeByExtension(path.Ext(ref.Key))
	}
	if p.ContentType == "" {
		ct, err := sniff(f)
		if err != nil {
			_ = f.Close()
			return blob.Payload{}, unavailable(err, "sniff file")
		}
		p.ContentType = ct
	}
	return p, nil
}

func (s *FileSource) readMeta(rel string) fileMeta {
	var m fileMeta
	raw, err := s.root.Open(rel + metaSuffix)
	if err != nil {
		return m
	}
	defer raw.Close()
	_ = json.NewDecoder(io.LimitReader(raw, 64<<10)).Decode(&m)
	return m
}

func sniff(f *os.File) (string, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}

// isEscape reports os.Root refusing a path that leaves the root, such as a
// symlink pointing outside it.
func isEscape(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "escapes")
}
