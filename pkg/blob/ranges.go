package blob

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type byteRange struct {
	start, length int64
}

func (br byteRange) contentRange(size int64) string {
	return "bytes " + strconv.FormatInt(br.start, 10) + "-" + strconv.FormatInt(br.start+br.length-1, 10) + "/" + strconv.FormatInt(size, 10)
}

type rangeResult int

const (
	rangeIgnore rangeResult = iota
	rangeSatisfiable
	rangeUnsatisfiable
)

// parseRange handles a single "bytes=" range. Unknown units, multiple ranges
// and malformed specs are ignored so the caller serves the full body.
func parseRange(header string, size int64) (byteRange, rangeResult) {
	header = strings.TrimSpace(header)
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, rangeIgnore
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, rangeIgnore
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, rangeIgnore
		}
		if n == 0 || size == 0 {
			return byteRange{}, rangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, length: n}, rangeSatisfiable
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, rangeIgnore
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return byteRange{}, rangeIgnore
		}
		if end >= size {
			end = size - 1
		}
	}
	if start >= size {
		return byteRange{}, rangeUnsatisfiable
	}
	return byteRange{start: start, length: end - start + 1}, rangeSatisfiable
}

// quoteETag normalises a stored version into an entity tag.
func quoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if etag == "" {
		return ""
	}
	if strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, `W/"`) {
		return etag
	}
	return `"` + etag + `"`
}

func opaqueTag(etag string) string {
	return strings.TrimPrefix(strings.TrimSpace(etag), "W/")
}

// etagMatches applies weak comparison over a comma-separated If-None-Match
// list. The "*" wildcard is not a validator and never matches.
func etagMatches(header, etag string) bool {
	if etag == "" {
		return false
	}
	want := opaqueTag(etag)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && candidate != "*" && opaqueTag(candidate) == want {
			return true
		}
	}
	return false
}

// notModified decides the 304 short-circuit. If-Modified-Since is only
// consulted when the client sent no entity tag and the payload has none.
func notModified(r *http.Request, etag string, modified time.Time) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, etag)
	}
	if etag != "" || modified.IsZero() {
		return false
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !modified.Truncate(time.Second).After(t)
}

// ifRangeAllows reports whether a Range header may be honoured.
func ifRangeAllows(r *http.Request, etag string, modified time.Time) bool {
	ir := strings.TrimSpace(r.Header.Get("If-Range"))
	if ir == "" {
		return true
	}
	if strings.HasPrefix(ir, `"`) {
		return etag != "" && !strings.HasPrefix(etag, "W/") && ir == etag
	}
	if modified.IsZero() {
		return false
	}
	t, err := http.ParseTime(ir)
	return err == nil && modified.Truncate(time.Second).Equal(t)
}
