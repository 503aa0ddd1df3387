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

// Package httputil sends HTTP requests and classifies their failures.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned by Send when the response status is not accepted.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// IsStatus returns true if err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var e StatusError
	return errors.As(err, &e) && e.Status == status
}

// IsNotFound returns true if err is a 404 StatusError.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsAccepted returns true if err is a 202 StatusError.
func IsAccepted(err error) bool {
	return IsStatus(err, http.StatusAccepted)
}

const _maxErrorBody = 4096

type sendOptions struct {
	ctx           context.Context
	body          io.Reader
	timeout       time.Duration
	acceptedCodes map[int]bool
	headers       map[string]string
	transport     http.RoundTripper
}

// SendOption overrides a default of Send.
type SendOption func(*sendOptions)

// SendBody sets the request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendTimeout sets the client timeout. Defaults to 60s.
func SendTimeout(t time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = t }
}

// SendContext sets the request context.
func SendContext(ctx context.Context) SendOption {
	return func(o *sendOptions) { o.ctx = ctx }
}

// SendHeaders sets request headers.
func SendHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) { o.headers = headers }
}

// SendAcceptedCodes sets the statuses Send treats as success. Defaults to 200.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOptions) {
		o.acceptedCodes = make(map[int]bool)
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// SendTransport sets the client transport.
func SendTransport(t http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = t }
}

// Send sends a request to url. The response body must be closed by the caller
// on success. Responses with a status which is not accepted are closed and
// returned as StatusError.
func Send(method, url string, options ...SendOption) (*http.Response, error) {
	opts := sendOptions{
		ctx:           context.Background(),
		timeout:       60 * time.Second,
		acceptedCodes: map[int]bool{http.StatusOK: true},
	}
	for _, o := range options {
		o(&opts)
	}

	req, err := http.NewRequestWithContext(opts.ctx, method, url, opts.body)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	client := http.Client{
		Timeout:   opts.timeout,
		Transport: opts.transport,
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if !opts.acceptedCodes[resp.StatusCode] {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, _maxErrorBody))
		return nil, StatusError{method, url, resp.StatusCode, string(b)}
	}
	return resp, nil
}

// Get sends a GET request.
func Get(url string, options ...SendOption) (*http.Response, error) {
	return Send("GET", url, options...)
}

// Post sends a POST request.
func Post(url string, options ...SendOption) (*http.Response, error) {
	return Send("POST", url, options...)
}
