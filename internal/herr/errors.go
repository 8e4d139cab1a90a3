// Package herr provides the handler-facing error carrier used across the
// dispatcher, proxy engine, and static file handler, adapted directly from
// the teacher's caddyhttp.Error/HandlerError: a status code plus a random,
// loggable ID and call-site trace, so every 4xx/5xx response can be
// correlated with the structured log line that explains it without leaking
// internals into the response body itself (see SPEC_FULL.md §7, "Internal
// errors are logged with context... the offending connection dropped").
package herr

import (
	"errors"
	"fmt"
	weakrand "math/rand"
	"path"
	"runtime"
	"strings"
)

// Error wraps err (or augments it, if it is already a HandlerError) with the
// given status code, an ID, and a trace of the caller.
func Error(statusCode int, err error) HandlerError {
	const idLen = 9
	var he HandlerError
	if errors.As(err, &he) {
		if he.ID == "" {
			he.ID = randString(idLen)
		}
		if he.Trace == "" {
			he.Trace = trace()
		}
		if he.StatusCode == 0 {
			he.StatusCode = statusCode
		}
		return he
	}
	return HandlerError{
		ID:         randString(idLen),
		StatusCode: statusCode,
		Err:        err,
		Trace:      trace(),
	}
}

// HandlerError is a serializable representation of an error produced while
// handling a request.
type HandlerError struct {
	Err        error
	StatusCode int

	ID    string
	Trace string
}

func (e HandlerError) Error() string {
	var s string
	if e.ID != "" {
		s += fmt.Sprintf("{id=%s}", e.ID)
	}
	if e.Trace != "" {
		s += " " + e.Trace
	}
	if e.StatusCode != 0 {
		s += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return strings.TrimSpace(s)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e HandlerError) Unwrap() error { return e.Err }

// randString returns n pseudo-random lowercase alphanumeric characters,
// excluding easily-confused glyphs. It is for log-correlation IDs only, not
// for anything security sensitive.
func randString(n int) string {
	if n <= 0 {
		return ""
	}
	const dict = "abcdefghijkmnpqrstuvwxyz23456789"
	b := make([]byte, n)
	for i := range b {
		//nolint:gosec
		b[i] = dict[weakrand.Int63()%int64(len(dict))]
	}
	return string(b)
}

func trace() string {
	if pc, file, line, ok := runtime.Caller(2); ok {
		filename := path.Base(file)
		pkgAndFuncName := path.Base(runtime.FuncForPC(pc).Name())
		return fmt.Sprintf("%s (%s:%d)", pkgAndFuncName, filename, line)
	}
	return ""
}
