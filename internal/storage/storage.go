package storage

import "errors"

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidInput   = errors.New("invalid input")
)
