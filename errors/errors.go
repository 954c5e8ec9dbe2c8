package errors

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Code describes the general category of an Error.
type Code string

const (
	// ErrBadRequest is used for malformed inbound payloads. The caller is to
	// blame, no state change happened.
	ErrBadRequest Code = "bad-request"
	// ErrCommunication is used when delivery to an external system failed, for
	// example a notification to a subscriber.
	ErrCommunication Code = "communication"
	// ErrFatal is used for errors that do not allow continuing operation.
	ErrFatal Code = "fatal"
	// ErrForbidden is used when a caller is not allowed to perform the requested
	// operation.
	ErrForbidden Code = "forbidden"
	// ErrInternal is used for internal errors like failed database operations.
	ErrInternal Code = "internal"
	// ErrNotFound is used when a requested resource does not exist.
	ErrNotFound Code = "not-found"
	// ErrUnexpected is used when an error was not created by us.
	ErrUnexpected Code = "unexpected"
)

// Details holds additional error details that can be viewed and logged.
type Details map[string]interface{}

// Error is the general error type for appearing errors in uptime-server.
type Error struct {
	// Code is the error code.
	Code Code
	// Err is the original error that occurred.
	Err error
	// Message is the manually created message that can be used in order to trace
	// the error.
	Message string
	// Details holds any error details.
	Details Details
}

func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Cast casts the given error to Error. If the given one is not of type Error,
// an unknown one with error code ErrUnexpected is created and false returned.
func Cast(err error) (Error, bool) {
	if e, ok := err.(Error); ok {
		return e, ok
	}
	e := Error{
		Code:    ErrUnexpected,
		Err:     err,
		Message: "unknown operation",
		Details: make(Details),
	}
	return e, false
}

// Wrap wraps the given error with the given message and adds the given
// Details to the existing ones.
func Wrap(err error, message string, details Details) error {
	e, ok := Cast(err)
	// Check whether to append to message or replace.
	var errMsg string
	if ok {
		errMsg = fmt.Sprintf("%s: %s", message, e.Message)
	} else {
		errMsg = message
	}
	// Add details.
	if details != nil && e.Details == nil {
		e.Details = make(Details)
	}
	for k, v := range details {
		// Check if detail with same key already set.
		if originalV, ok := e.Details[k]; ok {
			// Add prefix to original key. Original value will be overwritten after this
			// block.
			e.Details[fmt.Sprintf("_%s", k)] = originalV
		}
		e.Details[k] = v
	}
	return Error{
		Code:    e.Code,
		Err:     e.Err,
		Message: errMsg,
		Details: e.Details,
	}
}

// Log logs the given error with its details. If the error is ErrFatal, the
// error will be logged as fatal.
func Log(logger *zap.Logger, err error) {
	e, _ := Cast(err)
	fields := make([]zap.Field, 0, len(e.Details)+2)
	fields = append(fields, zap.String("err_code", string(e.Code)))
	for k, v := range e.Details {
		fields = append(fields, zap.Any(fmt.Sprintf("err_details_%s", k), v))
	}
	if e.Err != nil {
		fields = append(fields, zap.String("err_orig", e.Err.Error()))
	}
	logger = logger.With(fields...)
	switch e.Code {
	case ErrBadRequest, ErrForbidden, ErrNotFound:
		logger.Warn(e.Error())
	case ErrFatal:
		logger.Fatal(e.Error())
	default:
		logger.Error(e.Error())
	}
}

// BlameUser checks if the given error is ErrBadRequest, ErrForbidden or
// ErrNotFound.
func BlameUser(err error) bool {
	e, ok := Cast(err)
	if !ok {
		// Unexpected.
		return false
	}
	switch e.Code {
	case ErrBadRequest,
		ErrForbidden,
		ErrNotFound:
		return true
	}
	// Otherwise.
	return false
}

// Prettify returns a detailed error string with error details.
func Prettify(err error) string {
	e, _ := Cast(err)
	var detailsStr []byte
	if e.Details != nil {
		detailsStr, _ = json.Marshal(e.Details)
	}
	return fmt.Sprintf("Code: %s\nOriginal Error: %+v\nMessage: %s\nDetails: %s\n",
		e.Code, e.Err, e.Message, detailsStr)
}
