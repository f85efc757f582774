package handler

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"storefront-api/common"
	"storefront-api/logger"
	"time"

	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		entry := logger.Log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          remoteHost(r),
		})
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			entry = entry.WithField("forwarded_for", forwarded)
		}
		switch {
		case rw.status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case rw.status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request handled")
		}
	})
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Log.WithFields(logrus.Fields{
					"panic": rec,
					"path":  r.URL.Path,
				}).Error("Panic recovered")
				common.Internal("Internal server error", nil).Send(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
