package app

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrVersionNotFound = errors.New("version not found")
)
