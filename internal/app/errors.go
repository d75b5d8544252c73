package app

import "errors"

var (
	ErrNotStarted        = errors.New("app not started")
	ErrUnknownEndpoint   = errors.New("unknown endpoint")
	ErrDuplicateEndpoint = errors.New("duplicate endpoint id")
)
