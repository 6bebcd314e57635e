package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidFile      = errors.New("invalid bulk processing file")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidStatus    = errors.New("invalid bulk processing status")
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
	ErrUploadFailed     = errors.New("upload failed")
	ErrTemporary        = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
