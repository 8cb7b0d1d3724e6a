// Copyright 2025 The binpack Authors
// SPDX-License-Identifier: MIT

package injector

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all injector implementations.
// They are wrapped with context by the operations that produce them,
// so callers test with [errors.Is].
var (
	// ErrResourceNotFound reports that no resource with the requested
	// name is embedded in the executable.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceExists reports a name collision during injection
	// without [Options].Replace.
	ErrResourceExists = errors.New("resource already exists")

	// ErrNameTooLong reports a resource name over the format's ceiling.
	ErrNameTooLong = errors.New("resource name too long")

	// ErrResourceTooLarge reports a payload over [MaxResourceSize].
	ErrResourceTooLarge = errors.New("resource too large")
)

// A SignatureError reports a failure to re-sign or verify a code
// signature after modifying an executable. It is produced only on
// formats that carry embedded signatures.
type SignatureError struct {
	// Path is the executable being signed or verified.
	Path string
	// Output is the captured stderr of the signing tool, if any.
	Output string
	// Err is the underlying failure.
	Err error
}

func (e *SignatureError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("sign %s: %v: %s", e.Path, e.Err, e.Output)
	}
	return fmt.Sprintf("sign %s: %v", e.Path, e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}
