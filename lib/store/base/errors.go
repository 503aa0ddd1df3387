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
package base

import (
	"errors"
	"fmt"
)

// Error kinds shared by all store components. Failures are wrapped around one
// of these so callers can classify them with errors.Is.
var (
	// ErrInvalidArgument indicates a malformed reference, layer id or path.
	// It is a caller bug and must not be retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIO indicates a filesystem failure. The enclosing store operation
	// cleaned up after itself and is safe to retry.
	ErrIO = errors.New("io error")

	// ErrCorruptIndex indicates the persisted image index could not be parsed.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrExtractionFailed indicates the extraction collaborator failed or was
	// cancelled. Nothing was indexed.
	ErrExtractionFailed = errors.New("extraction failed")
)

// InvalidArgumentf returns an ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IOError wraps err as an ErrIO, prefixed by op.
func IOError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// IsRetryable returns true if retrying the failed operation from scratch may
// succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrExtractionFailed)
}
