// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handler adapts handlers which return errors to http.HandlerFunc.
package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/uber/imagestore/utils/log"
)

// Error is a handler error carrying the response status and headers.
type Error struct {
	status int
	header http.Header
	msg    string
}

// Errorf creates a 500 Error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		status: http.StatusInternalServerError,
		header: http.Header{},
		msg:    fmt.Sprintf(format, args...),
	}
}

// ErrorStatus creates an Error with status s and no message.
func ErrorStatus(s int) *Error {
	return Errorf("").Status(s)
}

// Status sets the status of e.
func (e *Error) Status(s int) *Error {
	e.status = s
	return e
}

// Header adds a response header to e.
func (e *Error) Header(k, v string) *Error {
	e.header.Add(k, v)
	return e
}

// GetStatus returns the status of e.
func (e *Error) GetStatus() int {
	return e.status
}

func (e *Error) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("server error %d", e.status)
	}
	return fmt.Sprintf("server error %d: %s", e.status, e.msg)
}

// ErrHandler is an HTTP handler which may fail.
type ErrHandler func(http.ResponseWriter, *http.Request) error

// Wrap converts h into an http.HandlerFunc. An *Error sets the response
// status and headers, any other error is a 500.
func Wrap(h ErrHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		msg := err.Error()
		var e *Error
		if errors.As(err, &e) {
			for k, vs := range e.header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			status = e.status
			msg = e.msg
		}
		w.WriteHeader(status)
		w.Write([]byte(msg))
		if status >= 500 {
			log.With("method", r.Method, "path", r.URL.Path, "status", status).Errorf("Request failed: %s", msg)
		}
	}
}
