// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the ingest core and its collaborators.
var (
	// Uplink ingest errors
	ErrCapacityExceeded = errors.New("cilab: reassembly capacity exceeded")
	ErrTruncated        = errors.New("cilab: message truncated to staging capacity")
	ErrDecode           = errors.New("cilab: decode failed")
	ErrPublish          = errors.New("cilab: publish failed")

	// Staging buffer pool errors
	ErrNoBuffer    = errors.New("cilab: no staging buffer available")
	ErrBufferInUse = errors.New("cilab: staging buffer already reserved")

	// Command errors
	ErrUnknownCommand = errors.New("cilab: unknown command")

	// Configuration errors
	ErrConfigInvalid = errors.New("cilab: invalid configuration")

	// Bus errors
	ErrBusClosed = errors.New("cilab: bus closed")
)

// ErrorKind maps an ingest error to the short label used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrPublish), errors.Is(err, ErrBusClosed):
		return "publish"
	default:
		return "other"
	}
}
