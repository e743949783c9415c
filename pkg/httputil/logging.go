package httputil

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/treeverse/claimload/pkg/logging"
)

type contextKey string

const (
	RequestIDContextKey contextKey = "request_id"
	RequestIDHeaderName            = "X-Request-ID"

	requestIDFieldKey = "request_id"
	endMessage        = "HTTP call ended"
)

type ResponseRecordingWriter struct {
	StatusCode   int
	ResponseSize int64
	Writer       http.ResponseWriter
}

func (w *ResponseRecordingWriter) Header() http.Header {
	return w.Writer.Header()
}

func (w *ResponseRecordingWriter) Write(data []byte) (int, error) {
	written, err := w.Writer.Write(data)
	w.ResponseSize += int64(written)
	return written, err
}

func (w *ResponseRecordingWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
	w.Writer.WriteHeader(statusCode)
}

func RequestID(r *http.Request) (*http.Request, string) {
	ctx := r.Context()
	if reqID, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return r, reqID
	}
	reqID := r.Header.Get(RequestIDHeaderName)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	return r.WithContext(context.WithValue(ctx, RequestIDContextKey, reqID)), reqID
}

func SourceIP(r *http.Request) string {
	sourceIP, sourcePort, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return err.Error()
	}
	return sourceIP + ":" + sourcePort
}

// LoggingMiddleware tags the request context with a request id and logs every call at debug
// level once it completes.
func LoggingMiddleware(fields logging.Fields) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			writer := &ResponseRecordingWriter{Writer: w, StatusCode: http.StatusOK}
			r, reqID := RequestID(r)
			requestFields := logging.Fields{
				"path":            r.RequestURI,
				"method":          r.Method,
				requestIDFieldKey: reqID,
			}
			for k, v := range fields {
				requestFields[k] = v
			}
			r = r.WithContext(logging.AddFields(r.Context(), requestFields))
			writer.Header().Set(RequestIDHeaderName, reqID)
			next.ServeHTTP(writer, r)

			logging.FromContext(r.Context()).WithFields(logging.Fields{
				"took":        time.Since(startTime),
				"status_code": writer.StatusCode,
				"sent_bytes":  writer.ResponseSize,
				"source_ip":   SourceIP(r),
			}).Debug(endMessage)
		})
	}
}
