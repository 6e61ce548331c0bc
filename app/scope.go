package app

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestScope carries what a single request needs across the layers: a
// logger tagged with the request id and the time the request started.
type RequestScope interface {
	logrus.FieldLogger
	RequestID() string
	Now() time.Time
}

type requestScope struct {
	logrus.FieldLogger
	now       time.Time
	requestID string
}

func (rs *requestScope) RequestID() string {
	return rs.requestID
}

func (rs *requestScope) Now() time.Time {
	return rs.now
}

// NewRequestScope creates a scope for r. r may be nil for work that does not
// originate from an HTTP request (startup, tests).
func NewRequestScope(now time.Time, logger *logrus.Logger, r *http.Request) RequestScope {
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-Id")
	}
	if requestID == "" {
		requestID = newRequestID()
	}

	fields := logrus.Fields{"request_id": requestID}
	if r != nil {
		fields["method"] = r.Method
		fields["path"] = r.URL.Path
	}

	return &requestScope{
		FieldLogger: logger.WithFields(fields),
		now:         now,
		requestID:   requestID,
	}
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
