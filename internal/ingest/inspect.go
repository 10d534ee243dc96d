package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Clever/csvlint"
)

// maxLintIssues bounds how many structural problems Inspect reports.
const maxLintIssues = 20

// Inspection summarises a source file without loading it.
type Inspection struct {
	Path      string      `json:"path"`
	Format    Format      `json:"format"`
	Encoding  string      `json:"encoding,omitempty"`
	Delimiter string      `json:"delimiter,omitempty"`
	Headers   []string    `json:"headers"`
	RowCount  int         `json:"row_count"`
	Sample    [][]any     `json:"sample"`
	Issues    []LintIssue `json:"issues,omitempty"`
}

// LintIssue is a structural problem found in a delimited file.
type LintIssue struct {
	Record  int    `json:"record"`
	Message string `json:"message"`
}

// Inspect opens path, counts its rows and returns the first sampleRows rows.
// Delimited files are also linted for structural problems such as ragged
// records.
func Inspect(path string, format Format, sampleRows int) (*Inspection, error) {
	r, err := Open(path, format)
	if err != nil {
		return nil, err
	}

	count, err := r.RowCount()
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	ins := &Inspection{
		Path:     path,
		Format:   r.Format(),
		Headers:  r.Headers(),
		RowCount: count,
	}

	if sampleRows > 0 {
		stream, err := r.Batches(sampleRows)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		batch, err := stream.Next()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for _, row := range batch.Rows {
			ins.Sample = append(ins.Sample, row.Values)
		}
	}

	if cr, ok := r.(*csvReader); ok {
		ins.Encoding = cr.Encoding()
		ins.Delimiter = string(cr.Delimiter())
		issues, err := lintCSV(path, cr.Encoding(), cr.Delimiter())
		if err != nil {
			return nil, err
		}
		ins.Issues = issues
	}

	return ins, nil
}

func lintCSV(path, charset string, delimiter rune) ([]LintIssue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lint csv: %w", err)
	}
	defer f.Close()

	invalids, _, err := csvlint.Validate(decodeText(f, charset), delimiter, true)
	if err != nil {
		return nil, fmt.Errorf("lint csv: %w", err)
	}

	var issues []LintIssue
	for _, v := range invalids {
		if len(issues) == maxLintIssues {
			break
		}
		issues = append(issues, LintIssue{Record: v.Num, Message: v.Error()})
	}
	return issues, nil
}
