package dialog

import "github.com/pkg/errors"

var (
	ErrNotFound       = errors.New("dialog not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidState   = errors.New("invalid dialog state")
	ErrOutOfOrder     = errors.New("CSeq out of order")
	ErrTerminated     = errors.New("dialog terminated")
)
