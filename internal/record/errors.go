package record

import "codeberg.org/mutker/actlog/internal/errors"

const (
	ErrOpenFailed     = errors.ErrorCode("record_open_failed")
	ErrHeaderMismatch = errors.ErrorCode("record_header_mismatch")
	ErrWriteFailed    = errors.ErrorCode("record_write_failed")
	ErrClosed         = errors.ErrorCode("record_closed")
)
