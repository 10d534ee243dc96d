package ingest

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// excelReader streams the first worksheet of a workbook. Legacy binary .xls
// workbooks are routed here by extension but fail to open.
type excelReader struct {
	path    string
	sheet   string
	headers []string
}

func openExcel(path string) (*excelReader, error) {
	r := &excelReader{path: path}

	src, err := r.source()
	if err != nil {
		return nil, err
	}
	r.sheet = src.sheet
	r.headers = src.columns
	src.Close()

	return r, nil
}

func (r *excelReader) Format() Format    { return FormatExcel }
func (r *excelReader) Headers() []string { return r.headers }

func (r *excelReader) RowCount() (int, error) {
	src, err := r.source()
	if err != nil {
		return 0, err
	}
	return countRecords(src)
}

func (r *excelReader) Batches(size int) (*BatchStream, error) {
	src, err := r.source()
	if err != nil {
		return nil, err
	}
	return newBatchStream(src, size)
}

func (r *excelReader) source() (*excelSource, error) {
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has no worksheets", ErrEmptyFile, r.path)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read worksheet %q: %w", sheets[0], err)
	}

	src := &excelSource{file: f, rows: rows, sheet: sheets[0]}
	header, err := src.nextCells()
	if err != nil {
		src.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: %s", ErrEmptyFile, r.path)
		}
		return nil, err
	}
	src.columns = cleanHeaders(header)

	return src, nil
}

type excelSource struct {
	file    *excelize.File
	rows    *excelize.Rows
	sheet   string
	columns []string
}

// nextCells returns the next non-empty row's cells.
func (s *excelSource) nextCells() ([]string, error) {
	for s.rows.Next() {
		cells, err := s.rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("read worksheet %q: %w", s.sheet, err)
		}
		if len(cells) > 0 {
			return cells, nil
		}
	}
	if err := s.rows.Error(); err != nil {
		return nil, fmt.Errorf("read worksheet %q: %w", s.sheet, err)
	}
	return nil, io.EOF
}

func (s *excelSource) next() ([]string, []any, error) {
	cells, err := s.nextCells()
	if err != nil {
		return nil, nil, err
	}
	vals := make([]any, len(s.columns))
	for i := 0; i < len(s.columns) && i < len(cells); i++ {
		if c := trimCell(cells[i]); c != "" {
			vals[i] = c
		}
	}
	return s.columns, vals, nil
}

func (s *excelSource) Close() error {
	s.rows.Close()
	return s.file.Close()
}
