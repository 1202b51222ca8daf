package blob

import (
	"strings"
	"unicode"

	"blobgate/pkg/access"
)

const fallbackFilename = "download"

// SanitizeFilename keeps the last path element and drops control characters,
// bidi/format characters, quotes and separators.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == unicode.ReplacementChar, unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		case r == '"', r == ';', r == '/', r == '\\':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(strings.TrimSpace(b.String()), ".")
	if out == "" {
		return fallbackFilename
	}
	return out
}

// ContentDisposition renders the header with an ASCII filename and, for
// non-ASCII names, an RFC 5987 filename* parameter.
func ContentDisposition(d access.Disposition, name string) string {
	name = SanitizeFilename(name)
	ascii := asciiFallback(name)
	v := d.String() + `; filename="` + ascii + `"`
	if ascii != name {
		v += "; filename*=UTF-8''" + encodeExtValue(name)
	}
	return v
}

func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r > unicode.MaxASCII {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// encodeExtValue percent-encodes every byte outside the RFC 5987 attr-char set.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
