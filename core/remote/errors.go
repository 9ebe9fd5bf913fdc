package remote

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

type FailureClass int

// Failure classes
const (
	Transient FailureClass = iota // network, timeout, server unavailable: retried
	Permanent                     // rejected by the server: needs attention
	Conflict                      // the server holds a newer version
	NotFound                      // the record does not exist on the server
)

func (c FailureClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	}
	return fmt.Sprintf("FailureClass(%d)", int(c))
}

// Error is a structured failure of the remote service.
type Error struct {
	Class   FailureClass      `json:"-"`
	Code    int               `json:"code,omitempty"` // HTTP status, if any
	Message string            `json:"message"`
	Fields  []core.FieldError `json:"fields,omitempty"`
	// Server is the current server version, reported with conflicts.
	Server *ServerRecord `json:"server,omitempty"`
}

func NewError(class FailureClass, msg string) *Error {
	return &Error{Class: class, Message: msg}
}

func (e *Error) Error() string {
	msg := e.Class.String() + ": " + e.Message
	for _, fld := range e.Fields {
		msg += fmt.Sprintf("; %s: %s", fld.Field, fld.Error)
	}
	return msg
}

// Classify returns the failure class of err.
// Unknown errors, timeouts and network errors are transient.
func Classify(err error) FailureClass {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Class
	}
	return Transient // transport errors and timeouts included
}

// ServerVersion returns the server version carried by a conflict, if any.
func ServerVersion(err error) (ServerRecord, bool) {
	var rErr *Error
	if errors.As(err, &rErr) && rErr.Server != nil {
		return *rErr.Server, true
	}
	return ServerRecord{}, false
}
