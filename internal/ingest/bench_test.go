package ingest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// BenchmarkCSVBatches measures streaming a 10k row file in batches of 1000.
func BenchmarkCSVBatches(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.csv")
	if err := os.WriteFile(path, []byte(csvWithRows(10000)), 0o644); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := Open(path, FormatCSV)
		if err != nil {
			b.Fatal(err)
		}
		stream, err := r.Batches(1000)
		if err != nil {
			b.Fatal(err)
		}
		for {
			if _, err := stream.Next(); err != nil {
				if !errors.Is(err, io.EOF) {
					b.Fatal(err)
				}
				break
			}
		}
		stream.Close()
	}
}

func BenchmarkDetectDelimiter(b *testing.B) {
	sample := []byte(csvWithRows(200))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DetectDelimiter(sample)
	}
}
