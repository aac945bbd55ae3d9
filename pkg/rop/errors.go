package rop

import "errors"

var (
	// ErrSessionDead is returned for operations on a session whose channel
	// has gone inactive.
	ErrSessionDead = errors.New("session is dead")

	// ErrChannelDead is returned when a parked pull's channel closed before
	// its response could be written.
	ErrChannelDead = errors.New("channel is dead")

	// ErrServerClosed is returned for requests arriving after shutdown
	// began.
	ErrServerClosed = errors.New("server closed")

	// ErrOffsetOverflow names a backend message id outside the offset
	// codec's field widths. EncodeOffset panics on such an id instead of
	// returning this error.
	ErrOffsetOverflow = errors.New("message id overflows queue offset")
)
