// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package rerr defines the error taxonomy shared by every rupdate
// component, and the mapping from that taxonomy to process exit codes.
package rerr

import "github.com/pkg/errors"

// Kind classifies an error for the purpose of choosing a process exit
// code; it says nothing about the error's message.
type Kind int

const (
	// KindGeneric covers anything not classified below.
	KindGeneric Kind = iota
	KindInvalidArgs
	KindInvalidStateTransition
	KindBadBundle
	KindIntegrity
)

// ExitCode maps a Kind to the exit codes of rupdate §6.1.
func (k Kind) ExitCode() int {
	switch k {
	case KindInvalidArgs:
		return 2
	case KindInvalidStateTransition:
		return 3
	case KindBadBundle:
		return 4
	case KindIntegrity:
		return 5
	default:
		return 1
	}
}

// Error is a taxonomy-tagged error. The underlying cause, wrapped with
// github.com/pkg/errors and carrying its stack trace, is reachable via
// Cause; Error itself does not implement fmt.Formatter, so %+v on it
// prints only the message.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	return e.cause.Error()
}

func (e *Error) Cause() error {
	return e.cause
}

func (e *Error) Kind() Kind {
	return e.kind
}

// New wraps msg as an Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// Wrap attaches kind to err, preserving err as the cause chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// KindOf extracts the Kind carried by err, defaulting to KindGeneric for
// errors that were never tagged.
func KindOf(err error) Kind {
	var tagged *Error
	for err != nil {
		if t, ok := err.(*Error); ok {
			tagged = t
			break
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}
	if tagged == nil {
		return KindGeneric
	}
	return tagged.kind
}

// Sentinel errors of the taxonomy. The first four are structural
// decoding failures (codec, partcfg, envfs).
var (
	ErrBadMagic            = errors.New("bad magic")
	ErrUnsupportedVersion  = errors.New("unsupported version")
	ErrMalformedEncoding   = errors.New("malformed encoding")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrNoValidState        = errors.New("no valid update environment slot")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrBadBundle           = errors.New("bad bundle")
	ErrBusy                = errors.New("busy")
)
