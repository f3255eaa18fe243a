package protocol

import (
	"errors"

	"github.com/maxpert/quarry/broker"
	"github.com/maxpert/quarry/db"
)

// ProtocolError is a client mistake reported in an ERROR frame
type ProtocolError struct {
	Message string
	Detail  string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

func newProtocolError(msg, detail string) *ProtocolError {
	return &ProtocolError{Message: msg, Detail: detail}
}

// ConvertToErrorFrame renders err as an ERROR frame. The message header is a
// short category; the body carries the full error text.
func ConvertToErrorFrame(err error) *Frame {
	f := NewFrame(CmdError, HdrMessage, errorCategory(err))
	f.Body = []byte(err.Error())
	return f
}

func errorCategory(err error) string {
	var pe *ProtocolError
	var ioErr *db.IOError
	var corrupt *db.CorruptIndexError

	switch {
	case errors.As(err, &pe):
		return pe.Message
	case errors.Is(err, broker.ErrInvalidDestination):
		return "invalid destination"
	case errors.Is(err, broker.ErrBrokerClosed), errors.Is(err, db.ErrClosed):
		return "broker is shutting down"
	case errors.Is(err, db.ErrReadOnly):
		return "store is read-only"
	case errors.As(err, &corrupt):
		return "destination unavailable"
	case errors.As(err, &ioErr):
		return "storage failure"
	default:
		return "internal error"
	}
}
