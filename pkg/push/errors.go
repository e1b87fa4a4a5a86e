package push

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConfigured   = errors.New("not configured")
	ErrUnsupportedType = errors.New("unsupported token type")
	ErrCircuitOpen     = errors.New("provider circuit open")
)
