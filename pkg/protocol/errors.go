package protocol

// Error codes shared with the automation server.
const (
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotConnected  = "NOT_CONNECTED"
	ErrUnknownMethod = "UNKNOWN_METHOD"
	ErrInvalidParams = "INVALID_PARAMS"
	ErrNotFound      = "NOT_FOUND"
	ErrRateLimited   = "RATE_LIMITED"
	ErrInternal      = "INTERNAL_ERROR"

	// Client-side codes
	ErrTimeout          = "TIMEOUT"
	ErrRestricted       = "RESTRICTED"
	ErrConnectionClosed = "CONNECTION_CLOSED"
	ErrEvaluation       = "EVALUATION_FAILED"
)

// Error is an error carried by a response frame.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewError builds a wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Shape converts the error for embedding in a response frame.
func (e *Error) Shape() *ErrorShape {
	return &ErrorShape{Code: e.Code, Message: e.Message}
}

// Err converts a received error shape into a Go error.
func (s *ErrorShape) Err() *Error {
	if s == nil {
		return nil
	}
	return &Error{Code: s.Code, Message: s.Message}
}
