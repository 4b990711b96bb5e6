package tee

import (
	"bytes"
	"net/http"
)

// Recorder is a wrapper around http.ResponseWriter that records the response
// body and status while passing everything through to the underlying writer.
// The interception layer uses it to observe pass-through responses so they
// can be offered to the cache after the fact.
type Recorder struct {
	rw          http.ResponseWriter
	body        *bytes.Buffer
	status      int
	wroteHeader bool
}

func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{
		rw:   w,
		body: &bytes.Buffer{},
	}
}

// Implementation of http.ResponseWriter
func (r *Recorder) Header() http.Header {
	return r.rw.Header()
}

// Implementation of http.ResponseWriter
func (r *Recorder) WriteHeader(statusCode int) {
	r.wroteHeader = true
	r.status = statusCode
	r.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (r *Recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if _, err := r.rw.Write(b); err != nil {
		return 0, err
	}
	return r.body.Write(b)
}

// Body returns the recorded response body.
func (r *Recorder) Body() []byte {
	return r.body.Bytes()
}

// StatusCode returns the recorded status code, defaulting to 200 when the
// handler never wrote a header.
func (r *Recorder) StatusCode() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}
