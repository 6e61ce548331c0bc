package app

import (
	"fmt"
	"net/http"
	"time"

	routing "github.com/go-ozzo/ozzo-routing"
	"github.com/go-ozzo/ozzo-routing/access"
	"github.com/go-ozzo/ozzo-routing/fault"
	"github.com/sirupsen/logrus"
)

const scopeKey = "Context"

// Init returns the first handler of every route: it sets up the request
// scope, converts returned errors into APIError responses, recovers panics and
// writes an access log line.
func Init(logger *logrus.Logger) routing.Handler {
	return func(rc *routing.Context) error {
		now := time.Now()

		rc.Response = &access.LogResponseWriter{ResponseWriter: rc.Response, Status: http.StatusOK}

		rs := NewRequestScope(now, logger, rc.Request)
		rc.Set(scopeKey, rs)

		fault.Recovery(rs.Debugf, convertError)(rc)
		logAccess(rc, rs.Infof, rs.Now())

		return nil
	}
}

// GetRequestScope returns the scope Init stored in c.
func GetRequestScope(c *routing.Context) RequestScope {
	return c.Get(scopeKey).(RequestScope)
}

func logAccess(c *routing.Context, logFunc access.LogFunc, start time.Time) {
	rw := c.Response.(*access.LogResponseWriter)
	elapsed := float64(time.Since(start).Nanoseconds()) / 1e6
	requestLine := fmt.Sprintf("%s %s %s", c.Request.Method, c.Request.URL.Path, c.Request.Proto)
	logFunc(`[%.3fms] %s %d %d`, elapsed, requestLine, rw.Status, rw.BytesWritten)
}

// convertError turns a handler error into the response body. Only human
// errors and routing errors reach the client; everything else is logged and
// replaced by an opaque internal error.
func convertError(c *routing.Context, err error) error {
	if human, ok := AsHuman(err); ok {
		return BadRequest(human)
	}

	switch e := err.(type) {
	case *APIError:
		return e
	case routing.HTTPError:
		return &APIError{
			Status:      e.StatusCode(),
			Reason:      string(InvalidRequest),
			Description: e.Error(),
		}
	}

	GetRequestScope(c).WithError(err).Error("request failed")
	return InternalServerError()
}
