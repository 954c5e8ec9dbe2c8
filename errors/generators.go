package errors

// NewInvalidPayloadError creates a new ErrBadRequest error for a malformed
// inbound event payload.
func NewInvalidPayloadError(message string, details Details) error {
	return Error{
		Code:    ErrBadRequest,
		Message: message,
		Details: details,
	}
}

// NewResourceNotFoundError returns a new ErrNotFound error with the given
// message.
func NewResourceNotFoundError(message string, details Details) error {
	return Error{
		Code:    ErrNotFound,
		Message: message,
		Details: details,
	}
}

// NewForbiddenError returns a new ErrForbidden error with the given message.
func NewForbiddenError(message string, details Details) error {
	return Error{
		Code:    ErrForbidden,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates a new ErrInternal error with the given message.
func NewInternalError(message string, details Details) error {
	return Error{
		Code:    ErrInternal,
		Message: message,
		Details: details,
	}
}

// NewInternalErrorFromErr creates a new ErrInternal error from the given
// original error.
func NewInternalErrorFromErr(err error, message string, details Details) error {
	return Error{
		Code:    ErrInternal,
		Err:     err,
		Message: message,
		Details: details,
	}
}

// NewCommunicationErrorFromErr creates a new ErrCommunication error from the
// given original error.
func NewCommunicationErrorFromErr(err error, message string, details Details) error {
	return Error{
		Code:    ErrCommunication,
		Err:     err,
		Message: message,
		Details: details,
	}
}

// NewExecQueryError creates a new ErrInternal error for a failed database
// query with the query being added to the error details.
func NewExecQueryError(err error, message string, query string) error {
	return Error{
		Code:    ErrInternal,
		Err:     err,
		Message: message,
		Details: Details{"query": query},
	}
}

// NewScanDBRowError creates a new ErrInternal error for failed scanning of a
// database row.
func NewScanDBRowError(err error, message string, query string) error {
	return Error{
		Code:    ErrInternal,
		Err:     err,
		Message: message,
		Details: Details{"query": query},
	}
}

// NewDBTxBeginError creates a new ErrInternal error for a failed transaction
// begin.
func NewDBTxBeginError(err error) error {
	return Error{
		Code:    ErrInternal,
		Err:     err,
		Message: "begin tx",
	}
}

// NewDBTxCommitError creates a new ErrInternal error for a failed transaction
// commit.
func NewDBTxCommitError(err error) error {
	return Error{
		Code:    ErrInternal,
		Err:     err,
		Message: "commit tx",
	}
}
