package common

import (
	"encoding/json"
	"net/http"
	"storefront-api/logger"

	"github.com/sirupsen/logrus"
)

// Stable machine-readable codes shared by handlers and the auth middleware.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailTaken         = "EMAIL_TAKEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

type AppError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(status int, code, message string, err error) *AppError {
	return &AppError{
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// BadRequest is a shorthand for validation failures.
func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeBadRequest, message, nil)
}

// Internal hides err from the client and logs it when sent.
func Internal(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, message, err)
}

func (e *AppError) Send(w http.ResponseWriter) {
	if e.Err != nil {
		logger.Log.WithFields(logrus.Fields{
			"status_code":    e.Status,
			"code":           e.Code,
			"internal_error": e.Err.Error(),
		}).Error(e.Message)
	}

	WriteJSON(w, e.Status, e)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Warn("Failed to encode response body")
	}
}
