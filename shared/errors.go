package shared

import (
	"errors"
	"net/http"
)

// AppError is an error that knows how it should be rendered to a client.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
}

func (e *AppError) Error() string {
	return e.Message
}

func NewAppError(statusCode int, message string, data interface{}) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Data: data}
}

var (
	ErrRateLimited   = NewAppError(http.StatusTooManyRequests, "Rate limit exceeded. Please wait before making more requests.", nil)
	ErrInvalidApiKey = NewAppError(http.StatusUnauthorized, "Invalid API key", nil)
	ErrApiKeyFormat  = NewAppError(http.StatusUnauthorized, "Invalid API key format. Expected: key_id.secret", nil)
)

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
