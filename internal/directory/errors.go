package directory

import "errors"

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrInvalidInput = errors.New("directory: invalid input")
)
