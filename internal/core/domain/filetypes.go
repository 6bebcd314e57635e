package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Accepted source files for bulk import, keyed by extension with the MIME
// types allowed for that extension. CSV is deliberately absent: it is
// disabled in the current configuration.
var importFileTypes = map[string][]string{
	".xlsx": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	},
	".xls": {
		"application/vnd.ms-excel",
	},
}

// ValidateImportFile checks both the extension and the MIME type against the
// allow-list. Mismatches on either axis fail with the ErrInvalidFile kind.
func ValidateImportFile(filename, mimeType string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return WrapError(ErrInvalidFile, "validate import file", fmt.Errorf("file %q has no extension", filename))
	}
	allowed, ok := importFileTypes[ext]
	if !ok {
		return WrapError(ErrInvalidFile, "validate import file", fmt.Errorf("extension %q is not accepted", ext))
	}
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, m := range allowed {
		if mime == m {
			return nil
		}
	}
	return WrapError(ErrInvalidFile, "validate import file",
		fmt.Errorf("mime type %q does not match extension %q", mimeType, ext))
}
