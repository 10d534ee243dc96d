package ingest

import (
	"bytes"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	delimiterSampleSize = 4096
	encodingSampleSize  = 10000

	// DefaultEncoding is used whenever detection is inconclusive.
	DefaultEncoding = "utf-8"
)

// delimiterCandidates is also the tie-break order.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

// DetectDelimiter picks the candidate delimiter that occurs most often in the
// first 4KB of sample. Ties go to the earlier candidate, so an ambiguous or
// delimiter-free sample yields a comma.
func DetectDelimiter(sample []byte) rune {
	if len(sample) > delimiterSampleSize {
		sample = sample[:delimiterSampleSize]
	}

	best, bestCount := delimiterCandidates[0], 0
	for _, d := range delimiterCandidates {
		if n := bytes.Count(sample, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// DetectEncoding guesses the character set of the first 10KB of sample.
// Valid UTF-8 short-circuits; otherwise statistical detection is applied and
// anything undetermined or undecodable falls back to UTF-8.
func DetectEncoding(sample []byte) string {
	if len(sample) > encodingSampleSize {
		sample = sample[:encodingSampleSize]
	}
	if len(sample) == 0 || validUTF8(sample) {
		return DefaultEncoding
	}

	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil || res.Charset == "" {
		return DefaultEncoding
	}

	charset := strings.ToLower(res.Charset)
	if _, err := htmlindex.Get(charset); err != nil {
		return DefaultEncoding
	}
	return charset
}

// validUTF8 reports whether b is UTF-8, tolerating one multi-byte sequence
// cut off by the end of the sample.
func validUTF8(b []byte) bool {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				b = b[:len(b)-i]
			}
			break
		}
	}
	return utf8.Valid(b)
}

// readSample returns up to n bytes from the start of the file.
func readSample(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:read], nil
}
