package ingest

// text.go turns raw file bytes into a UTF-8 stream for the CSV and JSON
// decoders without buffering the whole file:
//
//   - a leading UTF-8 or UTF-16 BOM is consumed
//   - the sniffed charset is decoded to UTF-8
//   - invalid sequences become U+FFFD instead of failing the read
//
// Cells are trimmed with trimCell, which also strips the Excel formula
// wrapper (="...") that spreadsheet exports put around codes.

import (
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText wraps r so that it yields sanitised UTF-8.
func decodeText(r io.Reader, charset string) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(lookupEncoding(charset).NewDecoder()))
}

func lookupEncoding(charset string) encoding.Encoding {
	if charset == "" {
		return unicode.UTF8
	}
	enc, err := htmlindex.Get(charset)
	if err != nil || enc == nil {
		return unicode.UTF8
	}
	return enc
}

func trimCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return s
}
