// Package excel opens uploaded workbooks as forward-only row streams.
// Worksheets above the in-memory threshold are unpacked to temp files, so a
// large import never holds the whole sheet in memory at once.
package excel

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
)

const (
	// Worksheet XML larger than this is extracted to a temp file instead of
	// being decompressed in memory.
	unzipXMLSizeLimit = 16 << 20
	unzipSizeLimit    = 1 << 30
)

type Reader struct{}

func NewReader() *Reader {
	return &Reader{}
}

func (r *Reader) Open(ctx context.Context, filename string, src io.Reader) (ports.RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateImportFile(filename, mimeForOpen(filename)); err != nil {
		return nil, err
	}

	file, err := excelize.OpenReader(src, excelize.Options{
		UnzipSizeLimit:    unzipSizeLimit,
		UnzipXMLSizeLimit: unzipXMLSizeLimit,
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidFile, "open workbook", err)
	}

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, domain.WrapError(domain.ErrInvalidFile, "open workbook", fmt.Errorf("workbook has no sheets"))
	}

	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, domain.WrapError(domain.ErrInvalidFile, "open workbook", err)
	}

	return &iterator{file: file, rows: rows}, nil
}

// mimeForOpen maps the extension back to its canonical MIME type; the upload
// layer already validated the pair, this re-check just keeps the opener safe
// when called directly.
func mimeForOpen(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	default:
		return ""
	}
}

type iterator struct {
	file *excelize.File
	rows *excelize.Rows
}

func (it *iterator) Next() bool {
	return it.rows.Next()
}

func (it *iterator) Row() ([]string, error) {
	columns, err := it.rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read row columns: %w", err)
	}
	return columns, nil
}

func (it *iterator) Close() error {
	rowsErr := it.rows.Close()
	fileErr := it.file.Close()
	if rowsErr != nil {
		return rowsErr
	}
	return fileErr
}
