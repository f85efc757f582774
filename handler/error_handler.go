package handler

import (
	"net/http"
	"storefront-api/common"
)

// AppHandler is a handler that reports failures as an AppError instead of
// writing them itself.
type AppHandler func(http.ResponseWriter, *http.Request) *common.AppError

// ErrorHandlingMiddleware adapts an AppHandler to http.Handler and sends any
// returned error as JSON.
func ErrorHandlingMiddleware(next AppHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			err.Send(w)
		}
	}
}
